package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/syncd/internal/ir"
)

// Wire operations of the websocket protocol.
const (
	OpFetch = "fetch"
	OpApply = "apply"
)

// Request is one message from syncd to a websocket bridge.
type Request struct {
	ID      string            `json:"id"`
	Op      string            `json:"op"`
	Cursor  string            `json:"cursor,omitempty"`
	BatchID string            `json:"batch_id,omitempty"`
	Records []ir.ChangeRecord `json:"records,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID       string            `json:"id"`
	Records  []ir.ChangeRecord `json:"records,omitempty"`
	Cursor   string            `json:"cursor,omitempty"`
	Outcomes []ir.Outcome      `json:"outcomes,omitempty"`
	Error    *WireError        `json:"error,omitempty"`
}

// WireError is a bridge-reported failure. Retryable false marks it
// persistent.
type WireError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WebSocket is a connector that forwards Fetch and Apply to a bridge over
// one websocket connection. Requests are serialized; a broken connection is
// redialed on the next call.
type WebSocket struct {
	name        string
	url         string
	credentials string
	dialer      *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates a websocket connector. The connection is opened on
// first use. Non-empty credentials are sent as the Authorization header.
func NewWebSocket(name, url, credentials string) *WebSocket {
	return &WebSocket{
		name:        name,
		url:         url,
		credentials: credentials,
		dialer:      websocket.DefaultDialer,
	}
}

func (w *WebSocket) Name() string { return w.name }

// Fetch sends a fetch request.
func (w *WebSocket) Fetch(ctx context.Context, cursor string) ([]ir.ChangeRecord, string, error) {
	resp, err := w.roundTrip(ctx, Request{Op: OpFetch, Cursor: cursor})
	if err != nil {
		return nil, "", err
	}
	for i := range resp.Records {
		resp.Records[i].Connector = w.name
	}
	return resp.Records, resp.Cursor, nil
}

// Apply sends an apply request.
func (w *WebSocket) Apply(ctx context.Context, batch ir.Batch) ([]ir.Outcome, error) {
	resp, err := w.roundTrip(ctx, Request{Op: OpApply, BatchID: batch.ID, Records: batch.Records})
	if err != nil {
		return nil, err
	}
	return resp.Outcomes, nil
}

// Close closes the connection if one is open.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *WebSocket) roundTrip(ctx context.Context, req Request) (Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	conn, err := w.connect(ctx)
	if err != nil {
		return Response{}, ir.NewTransientError(w.name, fmt.Errorf("dial %s: %w", w.url, err))
	}

	req.ID = uuid.Must(uuid.NewV7()).String()
	deadline, _ := ctx.Deadline() // Zero means no deadline
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(req); err != nil {
		w.drop()
		return Response{}, ir.NewTransientError(w.name, fmt.Errorf("%s request: %w", req.Op, w.cause(ctx, err)))
	}

	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		w.drop()
		return Response{}, ir.NewTransientError(w.name, fmt.Errorf("%s response: %w", req.Op, w.cause(ctx, err)))
	}
	if resp.ID != req.ID {
		w.drop()
		return Response{}, ir.NewTransientError(w.name, fmt.Errorf("%s response: id %q does not match request %q", req.Op, resp.ID, req.ID))
	}
	if resp.Error != nil {
		err := errors.New(resp.Error.Message)
		if resp.Error.Retryable {
			return Response{}, ir.NewTransientError(w.name, err)
		}
		return Response{}, ir.NewPersistentError(w.name, err)
	}
	return resp, nil
}

// cause reports a context deadline instead of the socket timeout it caused.
func (w *WebSocket) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (w *WebSocket) connect(ctx context.Context) (*websocket.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	header := http.Header{}
	if w.credentials != "" {
		header.Set("Authorization", w.credentials)
	}
	conn, _, err := w.dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	return conn, nil
}

func (w *WebSocket) drop() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}
