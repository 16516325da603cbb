package server

import (
	"context"
	"encoding/json"
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

// RouteGraphQL is the route the public handler reports in events.
const RouteGraphQL = "graphql"

// Handler is the public GraphQL endpoint. Anonymous callers are allowed;
// a valid bearer token is forwarded to the executor with the job.
type Handler struct {
	exec     Executor
	verifier *auth.Verifier
	opt      Options
}

// NewHandler returns a public handler executing queries on exec. verifier
// may be nil, in which case tokens are forwarded unchecked.
func NewHandler(exec Executor, verifier *auth.Verifier, opts ...Option) *Handler {
	return &Handler{exec: exec, verifier: verifier, opt: buildOptions(opts)}
}

// GraphQLRequest is one operation of a public request. DocumentID selects a
// persisted query instead of Query.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	DocumentID    string         `json:"documentId,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opt.withTimeout(r.Context())
	defer cancel()

	ctx, rid := reqid.NewContext(ctx)
	ip := ClientIP(r, h.opt.TrustedProxies...)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Route: RouteGraphQL, ClientIP: ip, Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Route: RouteGraphQL, Request: r, Status: status, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, toSpecResult(errorResult("method not allowed")), h.opt.Pretty)
		return
	}

	req, batch, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = perr.status
		writeJSON(w, status, toSpecResult(errorResult(perr.message)), h.opt.Pretty)
		return
	}

	token := h.forwardedToken(r, rid)
	if batch != nil {
		out := make([]specResult, len(batch))
		for i := range batch {
			res, err := h.executeOne(ctx, batch[i], token, ip, rid)
			if err != nil {
				res = errorResult(messageFor(statusFor(err)))
			}
			out[i] = toSpecResult(res)
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	res, err := h.executeOne(ctx, req, token, ip, rid)
	if err != nil {
		status = statusFor(err)
		res = errorResult(messageFor(status))
	}
	writeJSON(w, status, toSpecResult(res), h.opt.Pretty)
}

// forwardedToken returns the caller's bearer token, or "" if it does not
// verify. Jobs with no token run anonymously.
func (h *Handler) forwardedToken(r *http.Request, rid string) string {
	token := BearerToken(r)
	if token == "" || h.verifier == nil {
		return token
	}
	if _, err := h.verifier.Verify(token); err != nil {
		h.opt.Logger.Debug("dropping invalid token", zap.String("requestId", rid), zap.Error(err))
		return ""
	}
	return token
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest, token, ip, rid string) (*job.Result, error) {
	p := job.Payload{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		AuthToken:     token,
		IP:            ip,
		IsAdHoc:       true,
	}
	if req.Query == "" {
		p.Query, p.IsAdHoc = req.DocumentID, false
	}
	jobID := h.opt.NewID()
	res, err := h.exec.Execute(ctx, job.Job{JobID: jobID, Payload: p})
	if err != nil {
		h.opt.Logger.Warn("execution failed", zap.String("requestId", rid), zap.String("jobId", jobID), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// ------------------ Request parsing ------------------

type requestError struct {
	status  int
	message string
}

func badRequest(msg string) *requestError {
	return &requestError{status: http.StatusBadRequest, message: msg}
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *requestError) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := GraphQLRequest{
			Query:         q.Get("query"),
			DocumentID:    q.Get("documentId"),
			OperationName: q.Get("operationName"),
		}
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
				return GraphQLRequest{}, nil, badRequest("invalid 'variables' JSON")
			}
		}
		if req.Query == "" && req.DocumentID == "" {
			return GraphQLRequest{}, nil, badRequest("missing 'query'")
		}
		return req, nil, nil
	}

	if ct := r.Header.Get("Content-Type"); ct != "" && !isJSONContentType(ct) {
		return GraphQLRequest{}, nil, &requestError{status: http.StatusUnsupportedMediaType, message: "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return GraphQLRequest{}, nil, badRequest("failed to read body")
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, &requestError{status: http.StatusRequestEntityTooLarge, message: "body too large"}
	}

	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, badRequest("invalid JSON")
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, badRequest("empty batch")
		}
		for _, req := range arr {
			if req.Query == "" && req.DocumentID == "" {
				return GraphQLRequest{}, nil, badRequest("missing 'query'")
			}
		}
		return GraphQLRequest{}, arr, nil
	}
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, badRequest("invalid JSON")
	}
	if req.Query == "" && req.DocumentID == "" {
		return GraphQLRequest{}, nil, badRequest("missing 'query'")
	}
	return req, nil, nil
}
