package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	j := Job{JobID: "j1", Payload: Payload{Query: "{ viewer { id } }"}}

	req := NewRequest(j, "gqlbus:reply:edge-1")
	require.NoError(t, req.Validate())
	require.Equal(t, KindRequest, req.Kind)
	require.Equal(t, j, req.Job())

	rep := NewReply(Reply{JobID: "j1", ExecutorServerID: "exec-1", Result: Result{Data: map[string]any{"ok": true}}})
	require.NoError(t, rep.Validate())
	require.Equal(t, "exec-1", rep.Reply().ExecutorServerID)

	cases := map[string]*Envelope{
		"no job id":        {Kind: KindReply, Result: &Result{}},
		"request no reply": {Kind: KindRequest, JobID: "a", Payload: &Payload{}},
		"request no body":  {Kind: KindRequest, JobID: "a", ReplyTo: "r"},
		"reply no result":  {Kind: KindReply, JobID: "a"},
		"unknown kind":     {Kind: "ping", JobID: "a"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			err := env.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidEnvelope))
		})
	}
}

func TestRequestCopiesPayload(t *testing.T) {
	j := Job{JobID: "j2", Payload: Payload{Query: "a"}}
	env := NewRequest(j, "r")
	env.Payload.Query = "b"
	if j.Payload.Query != "a" {
		t.Fatalf("envelope aliases caller payload")
	}
}
