// Package sources tracks every script known to a running program, the source
// maps describing their origins, and the bidirectional graph between compiled
// artifacts and original sources that location resolution walks. The
// Container owns all Sources and their indices; hosts feed it AddSource and
// RemoveSource calls, breakpoint logic queries it through the resolver
// methods.
package sources

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dapkit/dapkit/dap"
	"github.com/dapkit/dapkit/pathmap"
	"github.com/dapkit/dapkit/prettify"
	"github.com/dapkit/dapkit/sourcemaps"
)

// PrettyPrintFunc reverses minification: it returns the reformatted text and
// the mapping entries between the input (generated side) and the output
// (source side).
type PrettyPrintFunc func(content string) (string, []sourcemaps.Entry, error)

// MapLoader fetches and parses source maps and the content of original
// sources that is not embedded in them. *sourcemaps.Loader is the standard
// implementation.
type MapLoader interface {
	Load(ctx context.Context, mapURL string) (*sourcemaps.Map, error)
	FetchContent(ctx context.Context, sourceURL string) (string, error)
}

// Revealer is an installable capability for bringing a location into view in
// some UI.
type Revealer interface {
	RevealLocation(loc Location) error
}

// mapRecord is the per-map-URL bookkeeping: every compiled source currently
// attached to the map, the parsed form once available (nil forever if
// loading failed), and the completion signal loaders wait on. The record
// stored in Container.records under its URL is also the load's identity:
// a load that finishes after its record was detached discards its result.
type mapRecord struct {
	url      string
	compiled map[*Source]struct{}
	m        *sourcemaps.Map
	resolved bool
	done     chan struct{}
}

// Option configures a Container.
type Option func(*Container)

// WithSourceMaps toggles source map processing; it defaults to enabled.
func WithSourceMaps(enabled bool) Option {
	return func(c *Container) { c.sourceMapsEnabled = enabled }
}

// WithPrettyPrinter overrides the reformatting function used by PrettyPrint.
func WithPrettyPrinter(fn PrettyPrintFunc) Option {
	return func(c *Container) { c.prettyPrint = fn }
}

// Container is the authoritative registry of live sources.
type Container struct {
	logger            logrus.FieldLogger
	sink              dap.Sink
	pathResolver      pathmap.Resolver
	loader            MapLoader
	prettyPrint       PrettyPrintFunc
	sourceMapsEnabled bool

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	nextID            int64
	byID              map[int64]*Source
	byCompiledURL     map[string]*Source
	bySourceMappedURL map[string]*Source
	byAbsolutePath    map[string]*Source
	records           map[string]*mapRecord
	revealer          Revealer

	evMu     sync.Mutex
	evCond   *sync.Cond
	evQueue  []sinkEvent
	evClosed bool
	evDone   chan struct{}
}

// sinkEvent is one queued outbound notification: either a loaded-source
// event or a console diagnostic.
type sinkEvent struct {
	source   *Source
	reason   dap.LoadedSourceReason
	category string
	message  string
}

// New returns a Container. sink may be nil to discard outbound events.
func New(
	logger logrus.FieldLogger, sink dap.Sink, pathResolver pathmap.Resolver, loader MapLoader,
	opts ...Option,
) *Container {
	if sink == nil {
		sink = dap.NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Container{
		logger:            logger,
		sink:              sink,
		pathResolver:      pathResolver,
		loader:            loader,
		prettyPrint:       prettify.Reformat,
		sourceMapsEnabled: true,
		ctx:               ctx,
		cancel:            cancel,
		byID:              make(map[int64]*Source),
		byCompiledURL:     make(map[string]*Source),
		bySourceMappedURL: make(map[string]*Source),
		byAbsolutePath:    make(map[string]*Source),
		records:           make(map[string]*mapRecord),
		evDone:            make(chan struct{}),
	}
	c.evCond = sync.NewCond(&c.evMu)
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatchEvents()
	return c
}

// Close stops the event dispatcher and cancels in-flight fetches. Queued
// events are dropped.
func (c *Container) Close() {
	c.cancel()
	c.evMu.Lock()
	c.evClosed = true
	c.evCond.Signal()
	c.evMu.Unlock()
	<-c.evDone
}

// SourceOption configures a source added through AddSource.
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	sourceMapURL string
	offset       *InlineScriptOffset
}

// WithSourceMapURL names the source map describing the new source's origin.
func WithSourceMapURL(mapURL string) SourceOption {
	return func(o *sourceOptions) { o.sourceMapURL = mapURL }
}

// WithInlineOffset records the 0-based position at which an inline script
// starts within its containing document.
func WithInlineOffset(line, col int) SourceOption {
	return func(o *sourceOptions) { o.offset = &InlineScriptOffset{Line: line, Column: col} }
}

// AddSource registers a compiled source the host reported. rawURL must be
// empty or not currently registered as a compiled URL; a duplicate indicates
// a host bug and panics. If a source map URL is given its loading starts
// asynchronously and the graph expands once it resolves.
func (c *Container) AddSource(rawURL string, getContent ContentGetter, opts ...SourceOption) *Source {
	var cfg sourceOptions
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rawURL != "" {
		if _, ok := c.byCompiledURL[rawURL]; ok {
			panic(fmt.Sprintf("sources: compiled URL %q registered twice", rawURL))
		}
	}
	s := c.newSourceLocked(rawURL, getContent, cfg.offset)
	if rawURL != "" {
		c.byCompiledURL[rawURL] = s
	}
	if cfg.sourceMapURL != "" && c.sourceMapsEnabled {
		c.attachSourceMapLocked(s, cfg.sourceMapURL)
	}
	return s
}

// newSourceLocked constructs and indexes a source, starts its absolute-path
// resolution and queues the loaded-source event.
func (c *Container) newSourceLocked(rawURL string, getContent ContentGetter, offset *InlineScriptOffset) *Source {
	c.nextID++
	s := &Source{
		container:    c,
		id:           c.nextID,
		url:          rawURL,
		inlineOffset: offset,
		getContent:   getContent,
		absPathCh:    make(chan struct{}),
	}
	s.name = computeName(rawURL, s.id, offset)
	c.byID[s.id] = s
	go c.resolveAbsolutePath(s)
	c.emit(sinkEvent{source: s, reason: dap.ReasonNew})
	return s
}

// resolveAbsolutePath runs off the registration call. The path index is only
// written if the source still owns its reference id once resolution
// finishes, guarding against a remove-then-readd interleaving.
func (c *Container) resolveAbsolutePath(s *Source) {
	defer close(s.absPathCh)
	if s.url == "" {
		return
	}
	path, err := c.pathResolver.URLToAbsolutePath(c.ctx, s.url)
	if err != nil {
		c.logger.WithError(err).WithField("url", s.url).Debug("Could not resolve absolute path")
		return
	}
	if path == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID[s.id] != s {
		return
	}
	s.absPath = path
	c.byAbsolutePath[path] = s
}

// attachSourceMapLocked attaches s to the record for mapURL, creating the
// record and starting the load when s is the first source to name that URL.
func (c *Container) attachSourceMapLocked(s *Source, mapURL string) {
	s.sourceMapURL = mapURL
	rec := c.records[mapURL]
	if rec == nil {
		rec = &mapRecord{
			url:      mapURL,
			compiled: map[*Source]struct{}{s: {}},
			done:     make(chan struct{}),
		}
		c.records[mapURL] = rec
		go c.loadSourceMap(rec)
		return
	}
	rec.compiled[s] = struct{}{}
	if rec.resolved && rec.m != nil {
		c.addSourceMapSourcesLocked(s, rec.m)
	}
}

// loadSourceMap fetches and parses rec's map, then expands the graph for
// every compiled source attached to the record, not just the one that
// triggered the load. If the record was detached while loading, the result
// is discarded without touching any index.
func (c *Container) loadSourceMap(rec *mapRecord) {
	m, err := c.loader.Load(c.ctx, rec.url)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(rec.done)
	if c.records[rec.url] != rec {
		c.logger.WithField("url", rec.url).Debug("Source map detached while loading, discarding")
		return
	}
	rec.resolved = true
	if err != nil {
		c.logger.WithError(err).WithField("url", rec.url).Warn("Could not load source map")
		c.emit(sinkEvent{category: "stderr", message: fmt.Sprintf("Could not read source map %s: %v", rec.url, err)})
		return
	}
	for _, warn := range m.Errors() {
		c.emit(sinkEvent{category: "stderr", message: fmt.Sprintf("Problem reading source map %s: %v", rec.url, warn)})
	}
	rec.m = m
	for _, compiled := range sortByID(rec.compiled) {
		c.addSourceMapSourcesLocked(compiled, m)
	}
}

// addSourceMapSourcesLocked expands the graph for one compiled source: each
// source URL its map declares is rewritten through the path policy, resolved
// against the map's URL (or the compiled source itself for inline maps) and
// either deduplicated onto an existing original source or materialized as a
// new one. Original sources naming maps of their own are a known gap and are
// not followed.
func (c *Container) addSourceMapSourcesLocked(compiled *Source, m *sourcemaps.Map) {
	if compiled.sourceMapSourceByURL == nil {
		compiled.sourceMapSourceByURL = make(map[string]*Source)
	}
	base := m.URL()
	if base == "" || strings.HasPrefix(base, "data:") {
		base = compiled.url
	}
	for _, sourceURL := range m.SourceURLs() {
		if _, ok := compiled.sourceMapSourceByURL[sourceURL]; ok {
			continue
		}
		resolved := resolveSourceURL(base, c.pathResolver.RewriteSourceURL(sourceURL))
		if existing := c.bySourceMappedURL[resolved]; existing != nil {
			existing.compiledToSourceURL[compiled] = sourceURL
			compiled.sourceMapSourceByURL[sourceURL] = existing
			continue
		}

		var getContent ContentGetter
		if content, ok := m.SourceContent(sourceURL); ok {
			getContent = StringContent(content)
		} else {
			fetchURL := resolved
			getContent = func(ctx context.Context) (string, error) {
				return c.loader.FetchContent(ctx, fetchURL)
			}
		}
		child := c.newSourceLocked(resolved, getContent, nil)
		child.mappedURL = resolved
		child.compiledToSourceURL = map[*Source]string{compiled: sourceURL}
		c.bySourceMappedURL[resolved] = child
		compiled.sourceMapSourceByURL[sourceURL] = child
	}
}

// RemoveSource unregisters a source the host unloaded. The source must be
// the current owner of its reference id and, if it names a map, must still
// be attached to that map's record; violations panic. Original sources left
// without any referencing compiled source are removed with it.
func (c *Container) RemoveSource(s *Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeSourceLocked(s)
}

func (c *Container) removeSourceLocked(s *Source) {
	if c.byID[s.id] != s {
		panic(fmt.Sprintf("sources: removing source %d which is not registered", s.id))
	}
	delete(c.byID, s.id)
	if s.compiledToSourceURL != nil {
		delete(c.bySourceMappedURL, s.mappedURL)
	} else if s.url != "" && c.byCompiledURL[s.url] == s {
		delete(c.byCompiledURL, s.url)
	}
	go c.unindexAbsolutePath(s)
	c.emit(sinkEvent{source: s, reason: dap.ReasonRemoved})

	if s.sourceMapURL == "" {
		return
	}
	rec := c.records[s.sourceMapURL]
	if rec == nil {
		panic(fmt.Sprintf("sources: source %d has map %q but no record exists", s.id, s.sourceMapURL))
	}
	if _, ok := rec.compiled[s]; !ok {
		panic(fmt.Sprintf("sources: source %d is not attached to its map %q", s.id, s.sourceMapURL))
	}
	delete(rec.compiled, s)
	if len(rec.compiled) == 0 {
		delete(c.records, s.sourceMapURL)
	}
	if rec.resolved && rec.m != nil {
		c.removeSourceMapSourcesLocked(s)
	}
}

// unindexAbsolutePath drops s from the path index once its resolution has
// finished, but only while s is still the registered owner of that path. A
// newer source may have claimed the same path in the meantime.
func (c *Container) unindexAbsolutePath(s *Source) {
	<-s.absPathCh
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.absPath != "" && c.byAbsolutePath[s.absPath] == s {
		delete(c.byAbsolutePath, s.absPath)
	}
}

// removeSourceMapSourcesLocked detaches s from its resolved original
// children, removing every child whose last back-edge it was.
func (c *Container) removeSourceMapSourcesLocked(s *Source) {
	urls := make([]string, 0, len(s.sourceMapSourceByURL))
	for u := range s.sourceMapSourceByURL {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		child := s.sourceMapSourceByURL[u]
		if _, ok := child.compiledToSourceURL[s]; !ok {
			continue
		}
		delete(child.compiledToSourceURL, s)
		if len(child.compiledToSourceURL) == 0 {
			c.removeSourceLocked(child)
		}
	}
	s.sourceMapSourceByURL = nil
}

// Sources returns all live sources ordered by reference id.
func (c *Container) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortByIDMap(c.byID)
}

// SourceByReference returns the live source owning the given reference id.
func (c *Container) SourceByReference(id int64) *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

// SourceByURL finds a source by its compiled URL or, failing that, by the
// resolved URL an original source is indexed under.
func (c *Container) SourceByURL(u string) *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceByURLLocked(u)
}

func (c *Container) sourceByURLLocked(u string) *Source {
	if s := c.byCompiledURL[u]; s != nil {
		return s
	}
	return c.bySourceMappedURL[u]
}

// Source resolves a protocol descriptor back to the live source it
// describes, by reference id, by absolute path, or by converting the path
// back to a URL through the path policy.
func (c *Container) Source(d dap.Source) *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.SourceReference != 0 {
		return c.byID[d.SourceReference]
	}
	if d.Path == "" {
		return nil
	}
	if s := c.byAbsolutePath[filepath.Clean(d.Path)]; s != nil {
		return s
	}
	if u, ok := c.pathResolver.AbsolutePathToURL(d.Path); ok {
		return c.sourceByURLLocked(u)
	}
	return nil
}

// SetRevealer installs the capability RevealLocation delegates to.
func (c *Container) SetRevealer(r Revealer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revealer = r
}

// RevealLocation asks the installed revealer to bring loc into view. It is
// a no-op when no revealer is installed.
func (c *Container) RevealLocation(loc Location) error {
	c.mu.Lock()
	r := c.revealer
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.RevealLocation(loc)
}

// emit queues an outbound notification for the dispatcher goroutine.
// Delivery is at least once and ordered; the mutating call never blocks on
// the sink.
func (c *Container) emit(ev sinkEvent) {
	c.evMu.Lock()
	if !c.evClosed {
		c.evQueue = append(c.evQueue, ev)
		c.evCond.Signal()
	}
	c.evMu.Unlock()
}

// dispatchEvents is the only goroutine that talks to the sink.
func (c *Container) dispatchEvents() {
	defer close(c.evDone)
	for {
		c.evMu.Lock()
		for len(c.evQueue) == 0 && !c.evClosed {
			c.evCond.Wait()
		}
		if len(c.evQueue) == 0 {
			c.evMu.Unlock()
			return
		}
		ev := c.evQueue[0]
		c.evQueue = c.evQueue[1:]
		c.evMu.Unlock()

		if ev.source == nil {
			c.sink.Output(ev.category, ev.message)
			continue
		}
		desc, err := ev.source.ToDAP(c.ctx)
		if err != nil { // container shut down mid-conversion
			continue
		}
		c.sink.LoadedSource(dap.LoadedSourceEvent{Reason: ev.reason, Source: desc})
	}
}

// resolveSourceURL resolves a map-declared source URL against the map's own
// URL. Unparseable or already-absolute references are kept as-is.
func resolveSourceURL(base, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() || base == "" {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func sortByID(set map[*Source]struct{}) []*Source {
	out := make([]*Source, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func sortByIDMap(m map[int64]*Source) []*Source {
	out := make([]*Source, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
