// Package job defines the unit of work routed between edge processes and
// executors, and the envelope that carries it over a channel.
package job

import (
	"errors"
	"fmt"
)

// Payload is the part of a job the transport never looks at.
type Payload struct {
	Query     string         `json:"query" cbor:"query"`
	Variables map[string]any `json:"variables,omitempty" cbor:"variables,omitempty"`
	AuthToken string         `json:"authToken,omitempty" cbor:"authToken,omitempty"`
	IP        string         `json:"ip,omitempty" cbor:"ip,omitempty"`
	// IsPrivate keeps the query text out of logs and traces.
	IsPrivate bool `json:"isPrivate,omitempty" cbor:"isPrivate,omitempty"`
	// IsAdHoc marks Query as query text. When false, Query is the id of a
	// persisted query the executor looks up.
	IsAdHoc bool `json:"isAdHoc,omitempty" cbor:"isAdHoc,omitempty"`
	// OperationName selects an operation in a multi-operation document.
	OperationName string `json:"operationName,omitempty" cbor:"operationName,omitempty"`
}

// Job is one query execution submitted by a caller.
type Job struct {
	// JobID is generated by the caller and must be unique among all jobs in
	// flight system-wide: replies are routed by it alone.
	JobID   string
	Payload Payload
	// TargetExecutorID addresses the job to a single executor instead of
	// any member of the executor group.
	TargetExecutorID string
}

// Location is a position in the query document.
type Location struct {
	Line   int `json:"line" cbor:"line"`
	Column int `json:"column" cbor:"column"`
}

// GraphQLError is a domain execution error reported inside a Result.
type GraphQLError struct {
	Message    string         `json:"message" cbor:"message"`
	Locations  []Location     `json:"locations,omitempty" cbor:"locations,omitempty"`
	Path       []any          `json:"path,omitempty" cbor:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty" cbor:"extensions,omitempty"`
}

func (e GraphQLError) Error() string { return e.Message }

// Result is what an executor produced for a job.
type Result struct {
	Data   any            `json:"data,omitempty" cbor:"data,omitempty"`
	Errors []GraphQLError `json:"errors,omitempty" cbor:"errors,omitempty"`
}

// ErrorResult returns a Result carrying a single error message.
func ErrorResult(msg string) *Result {
	return &Result{Errors: []GraphQLError{{Message: msg}}}
}

// Reply is the executor's answer to a job.
type Reply struct {
	JobID            string
	ExecutorServerID string
	Result           Result
}

// Kind tags an Envelope.
type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
)

// Envelope is the only thing written to a channel. Requests carry the
// payload and the caller's reply address; replies carry the result and the
// id of the executor that produced it.
type Envelope struct {
	Kind             Kind     `json:"kind" cbor:"kind"`
	JobID            string   `json:"jobId" cbor:"jobId"`
	ReplyTo          string   `json:"replyTo,omitempty" cbor:"replyTo,omitempty"`
	TargetExecutorID string   `json:"targetExecutorId,omitempty" cbor:"targetExecutorId,omitempty"`
	ExecutorServerID string   `json:"executorServerId,omitempty" cbor:"executorServerId,omitempty"`
	Payload          *Payload `json:"payload,omitempty" cbor:"payload,omitempty"`
	Result           *Result  `json:"result,omitempty" cbor:"result,omitempty"`
}

var ErrInvalidEnvelope = errors.New("job: invalid envelope")

// NewRequest builds the request envelope for j, asking for the reply on replyTo.
func NewRequest(j Job, replyTo string) *Envelope {
	p := j.Payload
	return &Envelope{
		Kind:             KindRequest,
		JobID:            j.JobID,
		ReplyTo:          replyTo,
		TargetExecutorID: j.TargetExecutorID,
		Payload:          &p,
	}
}

// NewReply builds the reply envelope for r.
func NewReply(r Reply) *Envelope {
	res := r.Result
	return &Envelope{
		Kind:             KindReply,
		JobID:            r.JobID,
		ExecutorServerID: r.ExecutorServerID,
		Result:           &res,
	}
}

// Validate checks the fields required by the envelope's kind.
func (e *Envelope) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("%w: missing jobId", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindRequest:
		if e.ReplyTo == "" {
			return fmt.Errorf("%w: request %s has no replyTo", ErrInvalidEnvelope, e.JobID)
		}
		if e.Payload == nil {
			return fmt.Errorf("%w: request %s has no payload", ErrInvalidEnvelope, e.JobID)
		}
	case KindReply:
		if e.Result == nil {
			return fmt.Errorf("%w: reply %s has no result", ErrInvalidEnvelope, e.JobID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Job returns the job carried by a request envelope.
func (e *Envelope) Job() Job {
	j := Job{JobID: e.JobID, TargetExecutorID: e.TargetExecutorID}
	if e.Payload != nil {
		j.Payload = *e.Payload
	}
	return j
}

// Reply returns the reply carried by a reply envelope.
func (e *Envelope) Reply() Reply {
	r := Reply{JobID: e.JobID, ExecutorServerID: e.ExecutorServerID}
	if e.Result != nil {
		r.Result = *e.Result
	}
	return r
}
