package inspector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapkit/dapkit/pathmap"
	"github.com/dapkit/dapkit/sourcemaps"
	"github.com/dapkit/dapkit/sources"
	"github.com/dapkit/dapkit/testutils"
)

// cdpTestServer is a minimal scriptable inspector endpoint: commands are
// answered by the handler, events are pushed through send.
type cdpTestServer struct {
	t     *testing.T
	srv   *httptest.Server
	wsURL string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newCDPTestServer(t *testing.T, handle func(msg *cdproto.Message, write func(*cdproto.Message))) *cdpTestServer {
	t.Helper()
	s := &cdpTestServer{t: t}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		defer func() { _ = conn.Close() }()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg cdproto.Message
			if err := easyjson.Unmarshal(data, &msg); err != nil {
				t.Errorf("malformed message from client: %v", err)
				continue
			}
			handle(&msg, s.send)
		}
	}))
	t.Cleanup(s.srv.Close)
	s.wsURL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

func (s *cdpTestServer) send(msg *cdproto.Message) {
	data, err := easyjson.Marshal(msg)
	require.NoError(s.t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(s.t, s.conn, "no client connected yet")
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func defaultCDPHandler(msg *cdproto.Message, write func(*cdproto.Message)) {
	if msg.ID == 0 {
		return
	}
	switch msg.Method {
	case cdproto.MethodType(cdproto.CommandDebuggerGetScriptSource):
		write(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{"scriptSource":"console.log(1)"}`)})
	default:
		write(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)})
	}
}

func scriptParsedMsg(scriptID, url string, contextID int, extra string) *cdproto.Message {
	params := fmt.Sprintf(
		`{"scriptId":%q,"url":%q,"startLine":0,"startColumn":0,"endLine":10,"endColumn":0,`+
			`"executionContextId":%d,"hash":"h"%s}`,
		scriptID, url, contextID, extra)
	return &cdproto.Message{
		Method: cdproto.EventDebuggerScriptParsed,
		Params: easyjson.RawMessage(params),
	}
}

// noMapLoader keeps the client tests off the network: map loads fail fast.
type noMapLoader struct{}

func (noMapLoader) Load(context.Context, string) (*sourcemaps.Map, error) {
	return nil, errors.New("map loading not available in this test")
}

func (noMapLoader) FetchContent(context.Context, string) (string, error) {
	return "", errors.New("content fetching not available in this test")
}

func newTestClient(t *testing.T, wsURL string) (*Client, *sources.Container, *testutils.SimpleLogrusHook) {
	t.Helper()
	logger, hook := testutils.NewLogger()
	fs := afero.NewMemMapFs()
	container := sources.New(logger, nil, pathmap.NewFileResolver(fs, nil), noMapLoader{})
	t.Cleanup(container.Close)

	client, err := NewClient(context.Background(), wsURL, container, logger, NewConfig())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.Attach(context.Background()))
	return client, container, hook
}

func TestClientScriptLifecycle(t *testing.T) {
	t.Parallel()
	srv := newCDPTestServer(t, defaultCDPHandler)
	_, container, _ := newTestClient(t, srv.wsURL)

	srv.send(scriptParsedMsg("55", "https://example.com/app.js", 1, ""))
	require.Eventually(t, func() bool {
		return container.SourceByURL("https://example.com/app.js") != nil
	}, time.Second, time.Millisecond)

	src := container.SourceByURL("https://example.com/app.js")
	content, err := src.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", content)

	srv.send(&cdproto.Message{
		Method: cdproto.EventRuntimeExecutionContextDestroyed,
		Params: easyjson.RawMessage(`{"executionContextId":1}`),
	})
	require.Eventually(t, func() bool {
		return container.SourceByURL("https://example.com/app.js") == nil
	}, time.Second, time.Millisecond)
}

func TestClientExecutionContextsCleared(t *testing.T) {
	t.Parallel()
	srv := newCDPTestServer(t, defaultCDPHandler)
	_, container, _ := newTestClient(t, srv.wsURL)

	srv.send(scriptParsedMsg("1", "https://example.com/a.js", 1, ""))
	srv.send(scriptParsedMsg("2", "https://example.com/b.js", 2, ""))
	require.Eventually(t, func() bool {
		return len(container.Sources()) == 2
	}, time.Second, time.Millisecond)

	srv.send(&cdproto.Message{
		Method: cdproto.EventRuntimeExecutionContextsCleared,
		Params: easyjson.RawMessage(`{}`),
	})
	require.Eventually(t, func() bool {
		return len(container.Sources()) == 0
	}, time.Second, time.Millisecond)
}

func TestClientDuplicateScriptURL(t *testing.T) {
	t.Parallel()
	srv := newCDPTestServer(t, defaultCDPHandler)
	_, container, hook := newTestClient(t, srv.wsURL)

	srv.send(scriptParsedMsg("1", "https://example.com/app.js", 1, ""))
	srv.send(scriptParsedMsg("2", "https://example.com/app.js", 1, ""))
	require.Eventually(t, func() bool {
		return len(container.Sources()) == 2
	}, time.Second, time.Millisecond)

	// the second report is registered as an anonymous source
	named := container.SourceByURL("https://example.com/app.js")
	require.NotNil(t, named)
	for _, src := range container.Sources() {
		if src != named {
			assert.Empty(t, src.URL())
		}
	}
	assert.True(t, testutils.LogContains(hook.Drain(), logrus.DebugLevel, "Duplicate script URL"))
}

func TestClientScriptWithSourceMap(t *testing.T) {
	t.Parallel()
	srv := newCDPTestServer(t, defaultCDPHandler)
	_, container, _ := newTestClient(t, srv.wsURL)

	srv.send(scriptParsedMsg("9", "https://example.com/dist/bundle.js", 1,
		`,"sourceMapURL":"bundle.js.map"`))
	require.Eventually(t, func() bool {
		return container.SourceByURL("https://example.com/dist/bundle.js") != nil
	}, time.Second, time.Millisecond)

	src := container.SourceByURL("https://example.com/dist/bundle.js")
	assert.Equal(t, "https://example.com/dist/bundle.js.map", src.SourceMapURL())
}

func TestClientExecuteError(t *testing.T) {
	t.Parallel()
	srv := newCDPTestServer(t, func(msg *cdproto.Message, write func(*cdproto.Message)) {
		if msg.Method == cdproto.MethodType("Custom.fail") {
			write(&cdproto.Message{ID: msg.ID, Error: &cdproto.Error{Code: -32601, Message: "method not found"}})
			return
		}
		defaultCDPHandler(msg, write)
	})
	client, _, _ := newTestClient(t, srv.wsURL)

	err := client.Execute(context.Background(), "Custom.fail", nil, nil)
	require.ErrorContains(t, err, "method not found")
}

func TestClientClosed(t *testing.T) {
	t.Parallel()
	srv := newCDPTestServer(t, defaultCDPHandler)
	client, _, _ := newTestClient(t, srv.wsURL)

	client.Close()
	<-client.Done()
	err := client.Execute(context.Background(), "Debugger.enable", nil, nil)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClientDialFailure(t *testing.T) {
	t.Parallel()
	logger, _ := testutils.NewLogger()
	fs := afero.NewMemMapFs()
	container := sources.New(logger, nil, pathmap.NewFileResolver(fs, nil), noMapLoader{})
	t.Cleanup(container.Close)

	_, err := NewClient(context.Background(), "ws://127.0.0.1:1/nope", container, logger, NewConfig())
	require.ErrorContains(t, err, "dialing inspector")
}

func TestResolveMapURL(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		scriptURL, mapURL, want string
	}{
		{"https://example.com/dist/bundle.js", "bundle.js.map", "https://example.com/dist/bundle.js.map"},
		{"https://example.com/dist/bundle.js", "https://cdn.example.com/b.map", "https://cdn.example.com/b.map"},
		{"https://example.com/dist/bundle.js", "data:application/json;base64,e30=", "data:application/json;base64,e30="},
		{"", "bundle.js.map", "bundle.js.map"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, resolveMapURL(tc.scriptURL, tc.mapURL), tc.mapURL)
	}
}
