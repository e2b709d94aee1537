package e2e_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/authrelay/internal/credential"
	"github.com/alexjbarnes/authrelay/internal/mcpserver"
	"github.com/alexjbarnes/authrelay/internal/models"
	"github.com/alexjbarnes/authrelay/internal/pages"
	"github.com/alexjbarnes/authrelay/internal/rules"
	"github.com/alexjbarnes/authrelay/internal/server"
	"github.com/alexjbarnes/authrelay/internal/state"
	"github.com/alexjbarnes/authrelay/internal/worker"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

// harness holds the full e2e test stack: an upstream that echoes what it
// received, the relay in front of it backed by bbolt, and the MCP tools.
type harness struct {
	URL    string
	MCPURL string
	Store  *credential.Store
	Hub    *pages.Hub
	Worker *worker.Worker
	Client *http.Client
}

// upstreamSeen is what the echo upstream reports back.
type upstreamSeen struct {
	Path          string   `json:"path"`
	Authorization []string `json:"authorization"`
}

type harnessOption func(*worker.Config)

func withPageFallback() harnessOption {
	return func(c *worker.Config) {
		c.PageFallback = true
		c.PageTimeout = 2 * time.Second
	}
}

// newHarness wires the relay stack via server.NewMux over a temp bbolt
// database and starts httptest servers for the relay and MCP.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(upstreamSeen{
			Path:          r.URL.Path,
			Authorization: r.Header.Values("Authorization"),
		})
	}))
	t.Cleanup(upstream.Close)

	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	statePath := filepath.Join(t.TempDir(), "state.db")
	appState, err := state.LoadAt(statePath)
	require.NoError(t, err)
	t.Cleanup(func() { appState.Close() })

	store := credential.NewStore(appState)
	hub := pages.NewHub(logger)

	cfg := worker.Config{
		Store: store,
		// httptest servers listen on 127.0.0.1.
		Classifier: rules.NewClassifier("127.0.0.1", rules.Default()),
		Pages:      hub,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := worker.New(cfg, logger)

	relay := httptest.NewServer(server.NewMux(server.MuxConfig{
		Worker:   w,
		Hub:      hub,
		Upstream: upstreamURL,
		Logger:   logger,
	}))
	t.Cleanup(func() {
		hub.CloseAll()
		relay.Close()
		w.Reset()
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "authrelay-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, w, hub)

	mcpSrv := httptest.NewServer(mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil))
	t.Cleanup(mcpSrv.Close)

	return &harness{
		URL:    relay.URL,
		MCPURL: mcpSrv.URL,
		Store:  store,
		Hub:    hub,
		Worker: w,
		Client: relay.Client(),
	}
}

// get performs a GET through the relay and decodes what upstream saw.
func (h *harness) get(t *testing.T, path string) upstreamSeen {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen upstreamSeen
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&seen))

	return seen
}

// page is a connected page on the relay's page channel.
type page struct {
	conn *websocket.Conn
}

// connectPage opens the page channel as a window client.
func (h *harness) connectPage(t *testing.T) *page {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(h.URL, "http") + server.ConnectPath + "?type=window"
	conn, _, err := websocket.Dial(t.Context(), wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	require.Eventually(t, func() bool { return h.Hub.Count() > 0 }, 2*time.Second, 5*time.Millisecond)

	return &page{conn: conn}
}

func (p *page) send(t *testing.T, v any) {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, p.conn.Write(t.Context(), websocket.MessageText, data))
}

// next reads the next frame and returns it raw.
func (p *page) next(t *testing.T) []byte {
	t.Helper()

	typ, data, err := p.conn.Read(t.Context())
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)

	return data
}

// expectNavigate reads the next frame and requires it to be a navigate
// instruction.
func (p *page) expectNavigate(t *testing.T) string {
	t.Helper()

	var nav models.Navigate
	require.NoError(t, json.Unmarshal(p.next(t), &nav))
	require.Equal(t, models.TypeNavigate, nav.Type)

	return nav.URL
}

// answerTokenRequests replies to every request-token frame with token
// until the connection closes.
func (p *page) answerTokenRequests(t *testing.T, token string) {
	t.Helper()

	go func() {
		for {
			_, data, err := p.conn.Read(t.Context())
			if err != nil {
				return
			}

			var req models.RequestToken
			if json.Unmarshal(data, &req) != nil || req.Type != models.TypeRequestToken {
				continue
			}

			resp, _ := json.Marshal(models.TokenResponse{
				Type:  models.TypeTokenResponse,
				Port:  req.Port,
				Token: token,
			})
			_ = p.conn.Write(t.Context(), websocket.MessageText, resp)
		}
	}()
}

// mcpSession connects an MCP client to the harness's MCP server.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.MCPURL,
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

// extractTextContent returns the text from the first TextContent in result.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")

	return tc.Text
}

func tokenExpiring(at time.Time) string {
	payload := fmt.Sprintf(`{"exp":%d}`, at.Unix())
	return "hdr." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + ".sig"
}
