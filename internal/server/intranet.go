package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hanpama/gqlbus/internal/auth"
	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/hanpama/gqlbus/internal/reqid"
	"go.uber.org/zap"
)

// RouteIntranet is the route the intranet handler reports in events.
const RouteIntranet = "intranet"

// IntranetHandler accepts ad-hoc queries from super users and answers with
// the executor's result.
type IntranetHandler struct {
	exec     Executor
	verifier *auth.Verifier
	opt      Options
}

// NewIntranetHandler returns a handler executing queries on exec. Callers
// must present a bearer token verifier accepts, carrying the super user role.
func NewIntranetHandler(exec Executor, verifier *auth.Verifier, opts ...Option) *IntranetHandler {
	return &IntranetHandler{exec: exec, verifier: verifier, opt: buildOptions(opts)}
}

type intranetRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	IsPrivate     bool           `json:"isPrivate,omitempty"`
}

func (h *IntranetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	jobID := h.opt.NewID()
	ctx := reqid.WithID(r.Context(), jobID)
	ip := ClientIP(r, h.opt.TrustedProxies...)
	eventbus.Publish(ctx, events.HTTPStart{Route: RouteIntranet, ClientIP: ip, Request: r})
	rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Route: RouteIntranet, Request: r, Status: rw.status, Duration: time.Since(start)})
	}()

	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := BearerToken(r)
	var claims *auth.Claims
	err := auth.ErrInvalidToken
	if h.verifier != nil {
		claims, err = h.verifier.Verify(token)
	}
	if err != nil || !auth.IsAuthenticated(claims) || !auth.IsSuperUser(claims) {
		h.opt.Logger.Debug("intranet request rejected", zap.String("ip", ip), zap.Error(err))
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		rw.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	var body io.Reader = r.Body
	if h.opt.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(rw, r.Body, h.opt.MaxBodyBytes)
	}
	var req intranetRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(rw, http.StatusRequestEntityTooLarge, toSpecResult(errorResult("request body too large")), h.opt.Pretty)
			return
		}
		writeJSON(rw, http.StatusUnprocessableEntity, toSpecResult(errorResult("request body must be a JSON object")), h.opt.Pretty)
		return
	}
	if req.Query == "" {
		writeJSON(rw, http.StatusUnprocessableEntity, toSpecResult(errorResult("query is required")), h.opt.Pretty)
		return
	}

	ctx, cancel := h.opt.withTimeout(ctx)
	defer cancel()
	res, err := h.exec.Execute(ctx, job.Job{
		JobID: jobID,
		Payload: job.Payload{
			Query:         req.Query,
			OperationName: req.OperationName,
			Variables:     req.Variables,
			AuthToken:     token,
			IP:            ip,
			IsPrivate:     req.IsPrivate,
			IsAdHoc:       true,
		},
	})
	if err != nil {
		status := statusFor(err)
		h.opt.Logger.Warn("intranet execution failed", zap.String("jobId", jobID), zap.Int("status", status), zap.Error(err))
		writeJSON(rw, status, toSpecResult(errorResult(messageFor(status))), h.opt.Pretty)
		return
	}
	writeJSON(rw, http.StatusOK, toSpecResult(res), h.opt.Pretty)
}

// statusWriter records the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
