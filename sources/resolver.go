package sources

import (
	"context"
	"sort"
)

// SiblingLocations returns every location equivalent to loc across the
// reachable graph, ordered from most original to most compiled. The walk is
// depth-first in both directions: source-mapped originals are resolved and
// prepended before loc itself, then every compiled parent recorded in
// back-edges is reverse-looked-up and appended. in, when non-nil, filters
// the result to locations owned by that source.
func (c *Container) SiblingLocations(loc Location, in *Source) []Location {
	c.mu.Lock()
	out := make([]Location, 0, 2)
	c.collectUpstream(loc, &out)
	c.collectDownstream(loc, &out)
	c.mu.Unlock()

	if in == nil {
		return out
	}
	filtered := make([]Location, 0, len(out))
	for _, l := range out {
		if l.Source == in {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

// PreferredLocation returns the most original location loc resolves to, or
// loc itself when nothing maps further.
func (c *Container) PreferredLocation(loc Location) Location {
	return c.SiblingLocations(loc, nil)[0]
}

// collectUpstream resolves loc through its source's map, recursing on the
// original location before appending, so the most original location comes
// first; loc itself is always appended last.
func (c *Container) collectUpstream(loc Location, out *[]Location) {
	if s := loc.Source; s != nil && s.sourceMapURL != "" {
		if rec := c.records[s.sourceMapURL]; rec != nil && rec.resolved && rec.m != nil {
			line, col := s.inlineOffset.toScript(loc.Line, loc.Column)
			if e, ok := rec.m.FindEntry(line-1, col-1); ok {
				if child := s.sourceMapSourceByURL[e.SourceURL]; child != nil {
					c.collectUpstream(Location{
						Line:   e.SourceLine + 1,
						Column: e.SourceCol + 1,
						URL:    child.url,
						Source: child,
					}, out)
				}
			}
		}
	}
	*out = append(*out, loc)
}

// collectDownstream reverse-maps loc into every compiled parent that
// references its source, appending each compiled location and recursing on
// it, so the most compiled locations come last.
func (c *Container) collectDownstream(loc Location, out *[]Location) {
	s := loc.Source
	if s == nil || s.compiledToSourceURL == nil {
		return
	}
	for _, parent := range sortParents(s.compiledToSourceURL) {
		rec := c.records[parent.sourceMapURL]
		if rec == nil || !rec.resolved || rec.m == nil {
			continue
		}
		e, ok := rec.m.FindReverseEntry(s.compiledToSourceURL[parent], loc.Line-1, loc.Column-1)
		if !ok {
			continue
		}
		line, col := parent.inlineOffset.toDocument(e.GenLine+1, e.GenCol+1)
		ploc := Location{Line: line, Column: col, URL: parent.url, Source: parent}
		*out = append(*out, ploc)
		c.collectDownstream(ploc, out)
	}
}

// WaitForSourceMapSources waits for the source's map to finish loading, in
// either direction, and returns the original sources resolved for it. It
// returns nil immediately for sources that name no map, and an empty result
// when the map failed to load, declared no sources, or was detached while
// waiting.
func (c *Container) WaitForSourceMapSources(ctx context.Context, s *Source) ([]*Source, error) {
	c.mu.Lock()
	mapURL := s.sourceMapURL
	if mapURL == "" {
		c.mu.Unlock()
		return nil, nil
	}
	rec := c.records[mapURL]
	c.mu.Unlock()

	if rec != nil {
		select {
		case <-rec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	children := make([]*Source, 0, len(s.sourceMapSourceByURL))
	for _, child := range s.sourceMapSourceByURL {
		children = append(children, child)
	}
	return sortSources(children), nil
}

func sortParents(m map[*Source]string) []*Source {
	out := make([]*Source, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return sortSources(out)
}

func sortSources(out []*Source) []*Source {
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
