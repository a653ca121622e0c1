package sources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeName(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		url    string
		id     int64
		offset *InlineScriptOffset
		want   string
	}{
		{name: "empty url", url: "", id: 1, want: "VM/VM1"},
		{name: "data url", url: "data:text/javascript,x=1", id: 7, want: "VM/VM7"},
		{name: "https", url: "https://example.com/a/b.js", id: 1, want: "example.com/a/b.js"},
		{
			name: "port gets the lookalike delimiter",
			url:  "https://example.com:8080/a/b.js",
			id:   1,
			want: "example.com꞉" + "8080/a/b.js",
		},
		{name: "query survives", url: "https://example.com/b.js?v=2", id: 1, want: "example.com/b.js?v=2"},
		{name: "directory url", url: "https://example.com/app/", id: 1, want: "example.com/app/(index)"},
		{name: "file url", url: "file:///srv/app.js", id: 1, want: "/srv/app.js"},
		{name: "unparseable url kept verbatim", url: ":", id: 1, want: ":"},
		{
			name:   "inline offset suffix",
			url:    "https://example.com/page.html",
			id:     1,
			offset: &InlineScriptOffset{Line: 5, Column: 2},
			want:   "example.com/page.html꞉" + "6:3",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, computeName(tc.url, tc.id, tc.offset))
		})
	}
}

func TestShortName(t *testing.T) {
	t.Parallel()
	c := newTestContainer(t, nil, &stubLoader{})
	s := c.AddSource("https://example.com/dist/bundle.js", nil)
	assert.Equal(t, "bundle.js", s.ShortName())

	anon := c.AddSource("", nil)
	assert.Equal(t, "VM2", anon.ShortName())
}

func TestContentSingleFlight(t *testing.T) {
	t.Parallel()
	var calls int64
	s := &Source{getContent: func(context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "the content", nil
	}}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content, err := s.Content(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "the content", content)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestContentErrorCached(t *testing.T) {
	t.Parallel()
	var calls int64
	wantErr := errors.New("boom")
	s := &Source{getContent: func(context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", wantErr
	}}

	_, err := s.Content(context.Background())
	require.ErrorIs(t, err, wantErr)
	_, err = s.Content(context.Background())
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestContentNoGetter(t *testing.T) {
	t.Parallel()
	s := &Source{}
	_, err := s.Content(context.Background())
	require.ErrorIs(t, err, errNoContent)
}

func TestFileContent(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/app.js", []byte("let y = 2\n"), 0o644))

	s := &Source{getContent: FileContent(fs, "/srv/app.js")}
	content, err := s.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "let y = 2\n", content)

	missing := &Source{getContent: FileContent(fs, "/srv/missing.js")}
	_, err = missing.Content(context.Background())
	require.Error(t, err)
}

func TestChecksum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := &Source{getContent: StringContent("same text")}
	b := &Source{getContent: StringContent("same text")}
	other := &Source{getContent: StringContent("different text")}

	sumA, err := a.Checksum(ctx)
	require.NoError(t, err)
	sumB, err := b.Checksum(ctx)
	require.NoError(t, err)
	sumOther, err := other.Checksum(ctx)
	require.NoError(t, err)

	assert.NotZero(t, sumA)
	assert.Equal(t, sumA, sumB)
	assert.NotEqual(t, sumA, sumOther)
}

func TestToDAP(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/app.js", []byte("x"), 0o644))
	c := newTestContainerFS(t, fs, nil, &stubLoader{})
	ctx := context.Background()

	onDisk := c.AddSource("file:///srv/app.js", nil)
	d, err := onDisk.ToDAP(ctx)
	require.NoError(t, err)
	assert.Equal(t, "app.js", d.Name)
	assert.Equal(t, "/srv/app.js", d.Path)
	assert.Zero(t, d.SourceReference)

	synthetic := c.AddSource("https://example.com/remote.js", nil)
	d, err = synthetic.ToDAP(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote.js", d.Name)
	assert.Equal(t, "example.com/remote.js", d.Path)
	assert.Equal(t, synthetic.ReferenceID(), d.SourceReference)
}

func TestToDAPChildren(t *testing.T) {
	t.Parallel()
	c := newTestContainer(t, nil, bundleLoader(t))
	src := addBundle(t, c)

	d, err := src.ToDAP(context.Background())
	require.NoError(t, err)
	require.Len(t, d.Sources, 1)
	assert.Equal(t, "app.ts", d.Sources[0].Name)
	assert.NotZero(t, d.Sources[0].SourceReference)
}

const minified = "function f(a){return a+1}var x=f(2);"

func TestPrettyPrint(t *testing.T) {
	t.Parallel()
	c := newTestContainer(t, nil, &stubLoader{})
	ctx := context.Background()
	src := c.AddSource("https://example.com/min.js", StringContent(minified))

	require.NoError(t, src.PrettyPrint(ctx))
	children, err := c.WaitForSourceMapSources(ctx, src)
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, "https://example.com/min.js-pretty.js", child.URL())
	content, err := child.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "function f(a){\n  return a+1\n}\nvar x=f(2);\n", content)
}

func TestPrettyPrintIdempotent(t *testing.T) {
	t.Parallel()
	c := newTestContainer(t, nil, &stubLoader{})
	ctx := context.Background()
	src := c.AddSource("https://example.com/min.js", StringContent(minified))

	require.NoError(t, src.PrettyPrint(ctx))
	require.NoError(t, src.PrettyPrint(ctx))

	children, err := c.WaitForSourceMapSources(ctx, src)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestPrettyPrintRefusals(t *testing.T) {
	t.Parallel()
	c := newTestContainer(t, nil, bundleLoader(t))
	ctx := context.Background()

	// a source that already has a real map cannot be pretty-printed
	mapped := addBundle(t, c)
	require.ErrorContains(t, mapped.PrettyPrint(ctx), "already has a source map")

	// neither can a pretty-printed rendition itself
	src := c.AddSource("https://example.com/min.js", StringContent(minified))
	require.NoError(t, src.PrettyPrint(ctx))
	children, err := c.WaitForSourceMapSources(ctx, src)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.ErrorContains(t, children[0].PrettyPrint(ctx), "already a pretty-printed rendition")

	// and neither can a source that is not registered anywhere
	loose := &Source{getContent: StringContent(minified)}
	require.ErrorIs(t, loose.PrettyPrint(ctx), errNotRegistered)
}

func TestPrettyPrintLocations(t *testing.T) {
	t.Parallel()
	c := newTestContainer(t, nil, &stubLoader{})
	ctx := context.Background()
	src := c.AddSource("https://example.com/min.js", StringContent(minified))
	require.NoError(t, src.PrettyPrint(ctx))
	children, err := c.WaitForSourceMapSources(ctx, src)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]

	// the `return` token: column 15 of the minified line, line 2 when pretty
	loc := c.PreferredLocation(Location{Line: 1, Column: 15, URL: src.URL(), Source: src})
	assert.Same(t, child, loc.Source)
	assert.Equal(t, 2, loc.Line)
	assert.Equal(t, 3, loc.Column)

	locs := c.SiblingLocations(Location{Line: 2, Column: 3, URL: child.URL(), Source: child}, nil)
	require.Len(t, locs, 2)
	assert.Same(t, src, locs[1].Source)
	assert.Equal(t, 1, locs[1].Line)
	assert.Equal(t, 15, locs[1].Column)
}
