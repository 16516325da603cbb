package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hanpama/gqlbus/internal/auth"
	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/hanpama/gqlbus/internal/reqid"
	"go.uber.org/zap"
)

// RouteWebSocket is the route the WebSocket handler reports in events.
const RouteWebSocket = "websocket"

// Message types exchanged over a WebSocket connection.
const (
	MsgConnectionInit      = "connection_init"
	MsgConnectionAck       = "connection_ack"
	MsgConnectionError     = "connection_error"
	MsgConnectionTerminate = "connection_terminate"
	MsgStart               = "start"
	MsgStop                = "stop"
	MsgData                = "data"
	MsgError               = "error"
	MsgComplete            = "complete"
)

const wsWriteTimeout = 10 * time.Second

// WSMessage is the frame of every WebSocket message.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type initPayload struct {
	AuthToken string `json:"authToken"`
}

// WebSocketHandler runs one job per start message. Each start publishes a
// job and the data message is written once its future settles.
type WebSocketHandler struct {
	exec     Executor
	verifier *auth.Verifier
	opt      Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler returns a WebSocket handler executing queries on exec.
// A token given in connection_init is verified with verifier and attached
// to every job of the connection.
func NewWebSocketHandler(exec Executor, verifier *auth.Verifier, opts ...Option) *WebSocketHandler {
	h := &WebSocketHandler{exec: exec, verifier: verifier, opt: buildOptions(opts)}
	h.upgrader = websocket.Upgrader{Subprotocols: []string{"graphql-ws"}}
	if len(h.opt.CORS.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(h.opt.CORS, origin)
		}
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, rid := reqid.NewContext(r.Context())
	ip := ClientIP(r, h.opt.TrustedProxies...)
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Route: RouteWebSocket, ClientIP: ip, Request: r})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.opt.Logger.Debug("websocket upgrade failed", zap.String("requestId", rid), zap.Error(err))
		eventbus.Publish(ctx, events.HTTPFinish{Route: RouteWebSocket, Request: r, Status: http.StatusBadRequest, Duration: time.Since(start)})
		return
	}
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Route: RouteWebSocket, Request: r, Status: http.StatusSwitchingProtocols, Duration: time.Since(start)})
	}()

	s := &wsSession{h: h, conn: conn, ip: ip, rid: rid}
	s.serve(ctx)
}

type wsSession struct {
	h    *WebSocketHandler
	conn *websocket.Conn
	ip   string
	rid  string

	writeMu sync.Mutex
	token   string
	ready   bool
	jobs    sync.WaitGroup
}

func (s *wsSession) serve(parent context.Context) {
	// Jobs in flight are abandoned when the connection goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer func() {
		cancel()
		s.jobs.Wait()
		_ = s.conn.Close()
	}()

	for {
		var msg WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.h.opt.Logger.Debug("websocket read failed", zap.String("requestId", s.rid), zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case MsgConnectionInit:
			if !s.init(msg.Payload) {
				return
			}
		case MsgStart:
			s.start(ctx, msg)
		case MsgStop:
			// Jobs cannot be recalled once published; the result is still
			// delivered and followed by complete.
		case MsgConnectionTerminate:
			return
		default:
			s.write(WSMessage{Type: MsgError, ID: msg.ID, Payload: mustRaw(errorResult("unknown message type " + msg.Type))})
		}
	}
}

func (s *wsSession) init(raw json.RawMessage) bool {
	var p initPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			s.write(WSMessage{Type: MsgConnectionError, Payload: mustRaw(errorResult("invalid connection_init payload"))})
			return false
		}
	}
	if p.AuthToken != "" && s.h.verifier != nil {
		if _, err := s.h.verifier.Verify(p.AuthToken); err != nil {
			s.write(WSMessage{Type: MsgConnectionError, Payload: mustRaw(errorResult("invalid auth token"))})
			return false
		}
	}
	s.token, s.ready = p.AuthToken, true
	s.write(WSMessage{Type: MsgConnectionAck})
	return true
}

func (s *wsSession) start(ctx context.Context, msg WSMessage) {
	if !s.ready {
		s.write(WSMessage{Type: MsgError, ID: msg.ID, Payload: mustRaw(errorResult("connection_init required"))})
		return
	}
	var req GraphQLRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || (req.Query == "" && req.DocumentID == "") {
		s.write(WSMessage{Type: MsgError, ID: msg.ID, Payload: mustRaw(errorResult("missing 'query'"))})
		return
	}
	p := job.Payload{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		AuthToken:     s.token,
		IP:            s.ip,
		IsAdHoc:       true,
	}
	if req.Query == "" {
		p.Query, p.IsAdHoc = req.DocumentID, false
	}
	j := job.Job{JobID: s.h.opt.NewID(), Payload: p}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		ctx, cancel := s.h.opt.withTimeout(ctx)
		defer cancel()
		res, err := s.h.exec.Execute(ctx, j)
		if err != nil {
			s.h.opt.Logger.Warn("execution failed", zap.String("requestId", s.rid), zap.String("jobId", j.JobID), zap.Error(err))
			s.write(WSMessage{Type: MsgError, ID: msg.ID, Payload: mustRaw(errorResult(messageFor(statusFor(err))))})
			return
		}
		s.write(WSMessage{Type: MsgData, ID: msg.ID, Payload: mustRaw(toSpecResult(res))})
		s.write(WSMessage{Type: MsgComplete, ID: msg.ID})
	}()
}

func (s *wsSession) write(msg WSMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.h.opt.Logger.Debug("websocket write failed", zap.String("requestId", s.rid), zap.Error(err))
	}
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorResult("result could not be encoded"))
	}
	return b
}
