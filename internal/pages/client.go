package pages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/authrelay/internal/errors"
	"github.com/alexjbarnes/authrelay/internal/models"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ClientType mirrors the kinds of clients a browser can control.
type ClientType string

const (
	ClientWindow       ClientType = "window"
	ClientWorker       ClientType = "worker"
	ClientSharedWorker ClientType = "sharedworker"
)

// ParseClientType validates a client type string. Empty means window.
func ParseClientType(s string) (ClientType, error) {
	switch ClientType(s) {
	case "", ClientWindow:
		return ClientWindow, nil
	case ClientWorker, ClientSharedWorker:
		return ClientType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownClient, s)
	}
}

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// PageError carries the error payload a page sent instead of a token.
type PageError struct {
	Payload json.RawMessage
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s: %s", apperrors.ErrPageReported, string(e.Payload))
}

func (e *PageError) Unwrap() error { return apperrors.ErrPageReported }

// Client is one connected page.
type Client struct {
	id          string
	typ         ClientType
	conn        wsConn
	connectedAt time.Time

	mu      sync.Mutex
	pending map[string]chan models.TokenResponse

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn wsConn, typ ClientType) *Client {
	return &Client{
		id:          uuid.NewString(),
		typ:         typ,
		conn:        conn,
		connectedAt: time.Now(),
		pending:     make(map[string]chan models.TokenResponse),
		closed:      make(chan struct{}),
	}
}

// ID returns the client's unique id.
func (c *Client) ID() string { return c.id }

// Type returns the client type.
func (c *Client) Type() ClientType { return c.typ }

// IsWindow reports whether the client is a window (a page that can
// navigate).
func (c *Client) IsWindow() bool { return c.typ == ClientWindow }

// Navigate instructs the page to load url.
func (c *Client) Navigate(ctx context.Context, url string) error {
	return c.send(ctx, models.Navigate{Type: models.TypeNavigate, URL: url})
}

// RequestToken asks the page for a credential and waits for its answer on
// a fresh port. The page answers with a token (possibly empty) or an
// error payload. There is no timeout here; ctx bounds the wait.
func (c *Client) RequestToken(ctx context.Context) (string, error) {
	port := uuid.NewString()
	reply := make(chan models.TokenResponse, 1)

	c.mu.Lock()
	c.pending[port] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, port)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, models.RequestToken{Type: models.TypeRequestToken, Port: port}); err != nil {
		return "", err
	}

	select {
	case resp := <-reply:
		if resp.HasError() {
			return "", &PageError{Payload: resp.Error}
		}

		return resp.Token, nil
	case <-c.closed:
		return "", apperrors.ErrClientClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliver routes a token response to the waiting RequestToken call.
// Returns false if nobody is waiting on the port.
func (c *Client) deliver(resp models.TokenResponse) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.Port]
	c.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- resp:
	default:
	}

	return true
}

func (c *Client) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	select {
	case <-c.closed:
		return apperrors.ErrClientClosed
	default:
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing to client %s: %w", c.id, err)
	}

	return nil
}

// markClosed wakes any pending RequestToken calls.
func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}
