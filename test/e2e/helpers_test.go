package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/daemon"
	"github.com/alexjbarnes/ledger-sync/internal/remotetest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "e2e-admin-key-long-enough"

// harness holds the full e2e test stack: a fake remote service, an
// engine pointed at it, and the admin HTTP server in front of the
// engine.
type harness struct {
	URL    string
	Remote *remotetest.Server
	Daemon *daemon.Daemon
	Client *http.Client
}

type harnessOption func(*config.Config)

func withRealtime() harnessOption {
	return func(cfg *config.Config) {
		on := true
		cfg.EnableRealtime = &on
	}
}

// newHarness starts a remote, signs an engine into it and serves the
// engine's admin handler from an httptest server. The engine's
// background loops are not started; tests that need them call run.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	remote := remotetest.New(t)
	access, refresh := remote.IssueTokens()

	off := false
	cfg := &config.Config{
		APIBaseURL:     remote.URL,
		StreamURL:      remote.URL + "/sync/stream",
		StatePath:      filepath.Join(t.TempDir(), "state.db"),
		AccessToken:    access,
		RefreshToken:   refresh,
		BatchSize:      config.DefaultBatchSize,
		MaxRetries:     config.DefaultMaxRetries,
		PushTimeout:    5 * time.Second,
		PullTimeout:    5 * time.Second,
		RefreshWait:    5 * time.Second,
		PollPath:       config.DefaultPollPath,
		EnableRealtime: &off,
		EnablePoller:   &off,
		AdminAPIKey:    testAdminKey,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	d, err := daemon.Open(cfg, "test", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ts := httptest.NewServer(d.AdminHandler())
	t.Cleanup(ts.Close)

	return &harness{
		URL:    ts.URL,
		Remote: remote,
		Daemon: d,
		Client: ts.Client(),
	}
}

// run starts the engine's background loops until the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- h.Daemon.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool, requires success and decodes its JSON text
// into out.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))

	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), out))
	}
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult. MCP tools return JSON-serialized results as TextContent.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
