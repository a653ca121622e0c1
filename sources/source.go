package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/minio/highwayhash"
	"github.com/spf13/afero"

	"github.com/dapkit/dapkit/dap"
	"github.com/dapkit/dapkit/sourcemaps"
)

// nameDelimiter separates the port and the inline-script suffix in computed
// names. U+A789 looks like a colon but is valid in file names.
const nameDelimiter = "꞉"

// prettySuffix marks sources that are pretty-printed derivatives of another
// source; such sources cannot be pretty-printed again.
const prettySuffix = "-pretty.js"

//nolint:gochecknoglobals
var contentHashKey = []byte("dapkit/sources/content/checksums") // 32 bytes

var (
	errNoContent     = errors.New("source has no content")
	errNotRegistered = errors.New("source is not registered with a container")
)

// ContentGetter loads the text of a source. It is invoked at most once per
// Source; the outcome, error included, is cached for the Source's lifetime.
type ContentGetter func(ctx context.Context) (string, error)

// StringContent returns a ContentGetter serving a fixed string.
func StringContent(text string) ContentGetter {
	return func(context.Context) (string, error) { return text, nil }
}

// FileContent returns a ContentGetter reading path from fs.
func FileContent(fs afero.Fs, path string) ContentGetter {
	return func(context.Context) (string, error) {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// Source is one node in the location graph: either a compiled artifact the
// runtime reported, or an original source discovered through some compiled
// artifact's source map. Sources are created and owned by a Container.
type Source struct {
	container *Container

	id           int64
	url          string
	name         string
	inlineOffset *InlineScriptOffset

	// sourceMapURL and the edge maps below are guarded by container.mu.
	sourceMapURL string
	// Exactly one of these is populated, and only once the owning map has
	// resolved: sourceMapSourceByURL on compiled nodes (literal per-map URL
	// to original source), compiledToSourceURL on original nodes (back-edge
	// to each referencing compiled source, with the literal URL its map
	// used).
	sourceMapSourceByURL map[string]*Source
	compiledToSourceURL  map[*Source]string
	// mappedURL is the resolved URL an original node is indexed under.
	mappedURL string

	getContent ContentGetter
	contentMu  sync.Mutex
	contentCh  chan struct{} // nil until requested, closed once fetched
	content    string
	contentErr error
	checksum   uint64

	// absPath is committed before absPathCh is closed, never written after.
	absPath   string
	absPathCh chan struct{}
}

// ReferenceID returns the container-scoped id of this source. Ids are
// assigned at construction, start at 1 and are never reused.
func (s *Source) ReferenceID() int64 { return s.id }

// URL returns the literal URL this source was registered or discovered
// under. It is empty for dynamically generated code.
func (s *Source) URL() string { return s.url }

// Name returns the display name computed from the URL at construction.
func (s *Source) Name() string { return s.name }

// ShortName returns the basename-style final segment of the display name.
func (s *Source) ShortName() string {
	return s.name[strings.LastIndexByte(s.name, '/')+1:]
}

// SourceMapURL returns the map URL attached to this source, if any.
func (s *Source) SourceMapURL() string {
	if c := s.container; c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return s.sourceMapURL
}

// InlineOffset returns the inline-script offset, or nil.
func (s *Source) InlineOffset() *InlineScriptOffset { return s.inlineOffset }

// computeName derives the display name, a deterministic pure function of the
// URL, the inline offset and the reference id.
func computeName(rawURL string, id int64, offset *InlineScriptOffset) string {
	var name string
	switch {
	case rawURL == "" || strings.HasPrefix(rawURL, "data:"):
		name = fmt.Sprintf("VM/VM%d", id)
	default:
		u, err := url.Parse(rawURL)
		if err != nil {
			name = rawURL
			break
		}
		name = u.Hostname()
		if port := u.Port(); port != "" {
			name += nameDelimiter + port
		}
		name += u.Path
		if u.RawQuery != "" {
			name += "?" + u.RawQuery
		}
		if strings.HasSuffix(name, "/") {
			name += "(index)"
		}
		if name == "" {
			name = rawURL
		}
	}
	if offset != nil {
		name += fmt.Sprintf("%s%d:%d", nameDelimiter, offset.Line+1, offset.Column+1)
	}
	return name
}

// Content returns the text of this source, fetching it on first use. All
// callers, concurrent or sequential, receive the same cached outcome. The
// fetch itself runs against the container's lifetime, so one caller's
// cancellation only bounds its own wait.
func (s *Source) Content(ctx context.Context) (string, error) {
	s.contentMu.Lock()
	ch := s.contentCh
	if ch == nil {
		ch = make(chan struct{})
		s.contentCh = ch
		go s.fetchContent(ch)
	}
	s.contentMu.Unlock()

	select {
	case <-ch:
		return s.content, s.contentErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Source) fetchContent(ch chan struct{}) {
	defer close(ch)
	if s.getContent == nil {
		s.contentErr = errNoContent
		return
	}
	ctx := context.Background()
	if s.container != nil {
		ctx = s.container.ctx
	}
	s.content, s.contentErr = s.getContent(ctx)
	if s.contentErr == nil {
		s.checksum = highwayhash.Sum64([]byte(s.content), contentHashKey)
	}
}

// Checksum returns the 64-bit hash of the source's content, fetching the
// content first if needed.
func (s *Source) Checksum(ctx context.Context) (uint64, error) {
	if _, err := s.Content(ctx); err != nil {
		return 0, err
	}
	return s.checksum, nil
}

// AbsolutePath waits for path resolution and returns the absolute filesystem
// path behind this source, or an empty string when it has none.
func (s *Source) AbsolutePath(ctx context.Context) (string, error) {
	select {
	case <-s.absPathCh:
		return s.absPath, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ToDAP converts the source to its protocol descriptor. A source with a real
// filesystem path is reported by path with reference id 0; anything else is
// reported under its synthetic name with its real reference id, telling the
// host to fetch content through the session. Original sources that have
// already resolved are attached as children.
func (s *Source) ToDAP(ctx context.Context) (dap.Source, error) {
	path, err := s.AbsolutePath(ctx)
	if err != nil {
		return dap.Source{}, err
	}
	d := dap.Source{Name: s.ShortName()}
	if path != "" {
		d.Path = path
	} else {
		d.Path = s.name
		d.SourceReference = s.id
	}

	var children []*Source
	if c := s.container; c != nil {
		c.mu.Lock()
		children = make([]*Source, 0, len(s.sourceMapSourceByURL))
		for _, child := range s.sourceMapSourceByURL {
			children = append(children, child)
		}
		c.mu.Unlock()
	}
	sort.Slice(children, func(i, j int) bool { return children[i].id < children[j].id })
	for _, child := range children {
		cd, err := child.ToDAP(ctx)
		if err != nil {
			return dap.Source{}, err
		}
		d.Sources = append(d.Sources, cd)
	}
	return d, nil
}

// PrettyPrint reformats this source and attaches the result as a synthetic
// original source, using the same graph expansion as real source maps. The
// operation is idempotent: pretty-printing twice succeeds without building a
// second map. Pretty-printed derivatives and sources that already carry a
// real source map are refused.
func (s *Source) PrettyPrint(ctx context.Context) error {
	c := s.container
	if c == nil {
		return errNotRegistered
	}
	if strings.HasSuffix(s.name, prettySuffix) {
		return errors.New("source is already a pretty-printed rendition")
	}
	mapURL := s.prettyBase() + prettySuffix + ".map"

	c.mu.Lock()
	switch s.sourceMapURL {
	case mapURL:
		c.mu.Unlock()
		return nil
	case "":
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return errors.New("source already has a source map")
	}

	content, err := s.Content(ctx)
	if err != nil {
		return fmt.Errorf("fetching content: %w", err)
	}
	text, entries, err := c.prettyPrint(content)
	if err != nil {
		return fmt.Errorf("reformatting: %w", err)
	}
	prettyURL := s.prettyBase() + prettySuffix
	m := sourcemaps.NewSynthetic(mapURL, prettyURL, text, entries)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID[s.id] != s {
		return errNotRegistered
	}
	if s.sourceMapURL == mapURL { // raced with a concurrent pretty-print
		return nil
	}
	done := make(chan struct{})
	close(done) // nothing to load, the record starts resolved
	rec := &mapRecord{
		url:      mapURL,
		compiled: map[*Source]struct{}{s: {}},
		m:        m,
		resolved: true,
		done:     done,
	}
	c.records[mapURL] = rec
	s.sourceMapURL = mapURL
	c.addSourceMapSourcesLocked(s, m)
	return nil
}

func (s *Source) prettyBase() string {
	if s.url != "" {
		return s.url
	}
	return s.name
}
