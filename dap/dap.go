// Package dap defines the debug-protocol-facing source descriptors and the
// outbound event sink through which the source container reports changes.
// The wire encoding of the protocol itself is out of scope; hosts plug in
// their own Sink implementation.
package dap

// Source is the protocol descriptor for a single source. When Path points at
// a real file on disk, SourceReference is 0 and the host should read content
// from the filesystem. Otherwise Path carries a display-only synthetic name
// and SourceReference is the non-zero id under which content can be fetched
// from the container.
type Source struct {
	Name            string   `json:"name,omitempty"`
	Path            string   `json:"path,omitempty"`
	SourceReference int64    `json:"sourceReference,omitempty"`
	Sources         []Source `json:"sources,omitempty"`
}

// LoadedSourceReason describes why a loaded-source event was emitted.
type LoadedSourceReason string

// Reasons for LoadedSourceEvent.
const (
	ReasonNew     LoadedSourceReason = "new"
	ReasonRemoved LoadedSourceReason = "removed"
)

// LoadedSourceEvent notifies the protocol layer that a source appeared or
// went away. Events are delivered at least once, in order per source.
type LoadedSourceEvent struct {
	Reason LoadedSourceReason `json:"reason"`
	Source Source             `json:"source"`
}

// Sink receives outbound protocol traffic from the container. Implementations
// must be safe for use from a single dispatcher goroutine; they are never
// called concurrently.
type Sink interface {
	LoadedSource(ev LoadedSourceEvent)
	// Output forwards a console diagnostic, e.g. a source map that could not
	// be loaded. Category is a protocol output category ("stdout", "stderr").
	Output(category, message string)
}

// NopSink discards everything. Useful as a default and in tests.
type NopSink struct{}

// LoadedSource implements Sink.
func (NopSink) LoadedSource(LoadedSourceEvent) {}

// Output implements Sink.
func (NopSink) Output(string, string) {}

var _ Sink = NopSink{}
