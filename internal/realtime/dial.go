package realtime

//go:generate mockgen -destination=mock_dialer_test.go -package=realtime github.com/alexjbarnes/ledger-sync/internal/realtime Dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Dialer opens an event stream at endpoint authenticated with token.
// Closing the returned stream releases the connection.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (io.ReadCloser, error)
}

// StreamDialer connects to http(s) endpoints as server-sent event streams
// and to ws(s) endpoints as websockets carrying the same text framing.
// Websocket text messages ending in a newline are stream fragments and
// are passed through as-is. A message without a trailing newline is a
// whole event and is terminated with the blank line that dispatches it.
type StreamDialer struct {
	client         *http.Client
	connectTimeout time.Duration
	deviceID       string
}

// NewStreamDialer creates a dialer. A nil client uses a client without
// an overall timeout, since streams are long lived.
func NewStreamDialer(client *http.Client, deviceID string) *StreamDialer {
	if client == nil {
		client = &http.Client{}
	}

	return &StreamDialer{
		client:         client,
		connectTimeout: connectTimeout,
		deviceID:       deviceID,
	}
}

// Dial implements Dialer. ctx bounds the life of the stream; the
// connection phase is additionally bounded by the connect timeout.
func (d *StreamDialer) Dial(ctx context.Context, endpoint, token string) (io.ReadCloser, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return d.dialWebsocket(ctx, endpoint, token)
	}

	return d.dialSSE(ctx, endpoint, token)
}

func (d *StreamDialer) headers(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	if d.deviceID != "" {
		h.Set("X-Device-ID", d.deviceID)
	}

	return h
}

func (d *StreamDialer) dialSSE(ctx context.Context, endpoint, token string) (io.ReadCloser, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stream request: %w", err)
	}

	req.Header = d.headers(token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// Only the wait for response headers is bounded; the body stays
	// open for as long as streamCtx lives.
	timer := time.AfterFunc(d.connectTimeout, cancel)

	resp, err := d.client.Do(req)
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}

		cancel()

		return nil, fmt.Errorf("connecting to %s: %w", endpoint, errConnectTimeout)
	}

	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()

		return nil, fmt.Errorf("connecting to %s: status %d", endpoint, resp.StatusCode)
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (d *StreamDialer) dialWebsocket(ctx context.Context, endpoint, token string) (io.ReadCloser, error) {
	dctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.client,
		HTTPHeader: d.headers(token),
	})
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			err = errConnectTimeout
		}

		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}

	conn.SetReadLimit(maxLineBytes)

	return &frameReader{ctx: ctx, conn: conn}, nil
}

// frameReader exposes websocket text messages as a line stream.
type frameReader struct {
	ctx  context.Context
	conn *websocket.Conn
	buf  []byte
}

func (f *frameReader) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		typ, msg, err := f.conn.Read(f.ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return 0, io.EOF
		}

		if err != nil {
			return 0, err
		}

		if typ != websocket.MessageText {
			continue
		}

		if len(msg) > 0 && msg[len(msg)-1] != '\n' {
			msg = append(msg, '\n', '\n')
		}

		f.buf = msg
	}

	n := copy(p, f.buf)
	f.buf = f.buf[n:]

	return n, nil
}

func (f *frameReader) Close() error {
	return f.conn.Close(websocket.StatusNormalClosure, "")
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
