package inspector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Discover resolves a host:port to the websocket debugger URL of its first
// debug target, using the inspector's /json/list endpoint. Inputs that
// already are websocket URLs are returned unchanged.
func Discover(ctx context.Context, hostport string) (string, error) {
	if strings.HasPrefix(hostport, "ws://") || strings.HasPrefix(hostport, "wss://") {
		return hostport, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostport+"/json/list", nil)
	if err != nil {
		return "", err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("probing inspector at %s: %w", hostport, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wrong status code (%d) probing inspector at %s", res.StatusCode, hostport)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}

	wsURL := gjson.GetBytes(body, "0.webSocketDebuggerUrl")
	if !wsURL.Exists() {
		return "", fmt.Errorf("no debuggable targets at %s", hostport)
	}
	return wsURL.String(), nil
}
