package vhal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	actionGet        = "get_values"
	actionSet        = "set_values"
	actionGetResults = "get_results"
	actionSetResults = "set_results"
)

// frame is one websocket message in either direction.
type frame struct {
	Action     string       `json:"action"`
	Get        []GetRequest `json:"get,omitempty"`
	Set        []SetRequest `json:"set,omitempty"`
	GetResults []GetResult  `json:"get_results,omitempty"`
	SetResults []SetResult  `json:"set_results,omitempty"`
}

// ErrDisconnected is returned by a WSHal whose connection is gone.
var ErrDisconnected = errors.New("property service disconnected")

// WSHal is a Hal over a websocket connection to a Server.
type WSHal struct {
	conn   *websocket.Conn
	logger *slog.Logger
	done   chan struct{}

	writeMu sync.Mutex

	mu  sync.Mutex
	cb  Callbacks
	err error
}

// DialWSHal connects to the property server at url, e.g.
// "ws://127.0.0.1:8080/v1/vhal".
func DialWSHal(ctx context.Context, url string, logger *slog.Logger) (*WSHal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	h := &WSHal{conn: conn, logger: logger, done: make(chan struct{})}
	go h.readLoop()
	return h, nil
}

// Done is closed when the connection ends.
func (h *WSHal) Done() <-chan struct{} {
	return h.done
}

// Close closes the connection.
func (h *WSHal) Close() error {
	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.writeMu.Unlock()
	err := h.conn.Close()
	<-h.done
	return err
}

// GetValues sends a get_values frame. Results arrive on cb.OnGetValues.
func (h *WSHal) GetValues(ctx context.Context, cb Callbacks, reqs []GetRequest) error {
	return h.send(ctx, cb, frame{Action: actionGet, Get: reqs})
}

// SetValues sends a set_values frame. Results arrive on cb.OnSetValues.
func (h *WSHal) SetValues(ctx context.Context, cb Callbacks, reqs []SetRequest) error {
	return h.send(ctx, cb, frame{Action: actionSet, Set: reqs})
}

func (h *WSHal) send(ctx context.Context, cb Callbacks, f frame) error {
	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		return err
	}
	h.cb = cb
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = h.conn.SetWriteDeadline(deadline)
		defer h.conn.SetWriteDeadline(time.Time{})
	}
	return h.conn.WriteJSON(f)
}

func (h *WSHal) readLoop() {
	defer close(h.done)
	for {
		var f frame
		if err := h.conn.ReadJSON(&f); err != nil {
			h.mu.Lock()
			h.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			h.mu.Unlock()
			h.logger.Info("property service connection closed", "error", err)
			return
		}
		h.mu.Lock()
		cb := h.cb
		h.mu.Unlock()
		if cb == nil {
			h.logger.Warn("result without a pending caller", "action", f.Action)
			continue
		}
		switch f.Action {
		case actionGetResults:
			cb.OnGetValues(f.GetResults)
		case actionSetResults:
			cb.OnSetValues(f.SetResults)
		default:
			h.logger.Warn("unknown frame from property service", "action", f.Action)
		}
	}
}

// Server answers websocket property requests from a Properties table.
type Server struct {
	props    *Properties
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer serves props to websocket clients.
//
// Example:
//
//	router.GET("/v1/vhal", gin.WrapH(vhal.NewServer(props, logger)))
func NewServer(props *Properties, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		props:  props,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves frames until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	s.logger.Debug("property client connected", "remote", r.RemoteAddr)

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			s.logger.Debug("property client disconnected", "error", err)
			return
		}
		var reply frame
		switch f.Action {
		case actionGet:
			reply = frame{Action: actionGetResults, GetResults: s.props.GetAll(f.Get)}
		case actionSet:
			reply = frame{Action: actionSetResults, SetResults: s.props.SetAll(f.Set)}
		default:
			s.logger.Warn("unknown frame from property client", "action", f.Action)
			continue
		}
		if err := ws.WriteJSON(reply); err != nil {
			s.logger.Warn("failed to write websocket JSON", "error", err)
			return
		}
	}
}
