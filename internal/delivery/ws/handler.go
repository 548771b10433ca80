package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"

	"github.com/observelab/termdemo/internal/models"
	"github.com/observelab/termdemo/internal/ratelimit"
	"github.com/observelab/termdemo/internal/service"
	"github.com/observelab/termdemo/pkg/logger"
)

const (
	// Outbound frames queue here while the writer drains; a client that falls
	// this far behind is cut off rather than allowed to stall the coordinator.
	sendBufferSize = 32

	writeTimeout = 10 * time.Second
)

// inboundMsg is the envelope for every client → server frame.
type inboundMsg struct {
	Type        string `json:"type" validate:"required"`
	InviteToken string `json:"inviteToken,omitempty" validate:"omitempty,invitetoken"`
}

// Handler accepts the persistent client protocol connections and bridges
// frames to the coordinator.
type Handler struct {
	coord    *service.Coordinator
	limiter  *ratelimit.Limiter
	validate *validator.Validate
	l        logger.Logger
}

func NewHandler(coord *service.Coordinator, limiter *ratelimit.Limiter, l logger.Logger) *Handler {
	v := validator.New()
	// Length and charset check only; full validation happens against the store.
	_ = v.RegisterValidation("invitetoken", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) < 4 || len(s) > 64 {
			return false
		}
		for _, r := range s {
			switch {
			case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
		return true
	})

	return &Handler{
		coord:    coord,
		limiter:  limiter,
		validate: v,
		l:        l,
	}
}

// ServeHTTP upgrades the connection and runs the read loop until the client
// goes away. Connection close is the disconnect signal for the coordinator.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sourceAddress := sourceAddr(r)

	if h.limiter != nil {
		if err := h.limiter.Allow(sourceAddress); err != nil {
			h.l.Warnf(r.Context(), "ws: connection rate limited: addr=%s err=%v", sourceAddress, err)
			http.Error(w, "Too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.l.Warnf(r.Context(), "ws: accept failed: %v", err)
		return
	}

	n := newConnNotifier(conn, h.l)
	defer n.close()

	clientID := h.coord.Register(n, sourceAddress, r.UserAgent())
	defer h.coord.Disconnect(context.Background(), clientID)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			n.Notify(models.NewError("Invalid message format"))
			continue
		}
		h.dispatch(ctx, clientID, n, data)
	}
}

func (h *Handler) dispatch(ctx context.Context, clientID string, n *connNotifier, data []byte) {
	var msg inboundMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		n.Notify(models.NewError("Invalid message format"))
		return
	}
	if err := h.validate.Struct(msg); err != nil {
		// A malformed invite token short-circuits to the protocol outcome the
		// full validation would reach.
		n.Notify(models.NewInviteInvalid("invalid", "Invite token is malformed"))
		return
	}

	switch msg.Type {
	case "join_queue":
		h.coord.Join(ctx, clientID, msg.InviteToken)
	case "leave_queue":
		h.coord.Leave(ctx, clientID)
	case "heartbeat":
		h.coord.Heartbeat(clientID)
	default:
		n.Notify(models.NewError(fmt.Sprintf("Unknown message type: %s", msg.Type)))
	}
}

// connNotifier serializes outbound frames onto the websocket. Notify never
// blocks the caller: frames queue onto a buffered channel and a writer
// goroutine drains it; overflow closes the connection.
type connNotifier struct {
	conn *websocket.Conn
	ch   chan any
	done chan struct{}
	l    logger.Logger
}

func newConnNotifier(conn *websocket.Conn, l logger.Logger) *connNotifier {
	n := &connNotifier{
		conn: conn,
		ch:   make(chan any, sendBufferSize),
		done: make(chan struct{}),
		l:    l,
	}
	go n.writeLoop()
	return n
}

func (n *connNotifier) Notify(msg any) {
	select {
	case n.ch <- msg:
	case <-n.done:
	default:
		n.l.Warn(context.Background(), "ws: send buffer full, dropping connection")
		n.conn.Close(websocket.StatusPolicyViolation, "backpressure")
	}
}

func (n *connNotifier) writeLoop() {
	for {
		select {
		case msg := <-n.ch:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, n.conn, msg)
			cancel()
			if err != nil {
				return
			}
		case <-n.done:
			return
		}
	}
}

func (n *connNotifier) close() {
	close(n.done)
	n.conn.Close(websocket.StatusNormalClosure, "")
}

// sourceAddr is the client's network identity as seen through the reverse
// proxy: X-Forwarded-For's first hop when present, the peer address
// otherwise.
func sourceAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
