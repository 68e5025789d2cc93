package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// VersionInfo is the /json/version document of a debugging server.
type VersionInfo struct {
	Browser              string
	ProtocolVersion      string
	UserAgent            string
	V8Version            string
	WebSocketDebuggerURL string
}

// FetchVersion queries http://addr/json/version.
func FetchVersion(ctx context.Context, addr string) (*VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch version: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetch version: malformed response from %s", addr)
	}

	doc := gjson.ParseBytes(body)
	info := &VersionInfo{
		Browser:              doc.Get("Browser").String(),
		ProtocolVersion:      doc.Get("Protocol-Version").String(),
		UserAgent:            doc.Get("User-Agent").String(),
		V8Version:            doc.Get("V8-Version").String(),
		WebSocketDebuggerURL: doc.Get("webSocketDebuggerUrl").String(),
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("fetch version: %s reported no webSocketDebuggerUrl", addr)
	}
	return info, nil
}

// ResolveEndpoint turns an endpoint setting into a browser websocket URL.
// ws:// and wss:// URLs are returned as is. Anything else is taken as the
// host:port of a debugging server, optionally prefixed with http://.
func ResolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	addr := strings.TrimPrefix(endpoint, "http://")
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return "", fmt.Errorf("empty endpoint")
	}
	info, err := FetchVersion(ctx, addr)
	if err != nil {
		return "", err
	}
	return info.WebSocketDebuggerURL, nil
}
