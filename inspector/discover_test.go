package inspector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPassthrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, u := range []string{"ws://127.0.0.1:9229/abc", "wss://example.com/abc"} {
		got, err := Discover(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	defer http.DefaultClient.CloseIdleConnections()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/json/list", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id": "t1", "webSocketDebuggerUrl": "ws://127.0.0.1:9229/t1"},
			{"id": "t2", "webSocketDebuggerUrl": "ws://127.0.0.1:9229/t2"}
		]`))
	}))
	defer srv.Close()

	hostport := strings.TrimPrefix(srv.URL, "http://")
	wsURL, err := Discover(context.Background(), hostport)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9229/t1", wsURL)
}

func TestDiscoverNoTargets(t *testing.T) {
	t.Parallel()
	defer http.DefaultClient.CloseIdleConnections()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.ErrorContains(t, err, "no debuggable targets")
}

func TestDiscoverBadStatus(t *testing.T) {
	t.Parallel()
	defer http.DefaultClient.CloseIdleConnections()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.ErrorContains(t, err, "wrong status code (503)")
}

func TestDiscoverUnreachable(t *testing.T) {
	t.Parallel()
	_, err := Discover(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
}
