package v1

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "join", env: Envelope{V: Version, Type: TypeJoinChat}},
		{name: "leave", env: Envelope{V: Version, Type: TypeLeaveChat}},
		{name: "typing", env: Envelope{V: Version, Type: TypeTyping}},
		{name: "missing version", env: Envelope{Type: TypeJoinChat}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeJoinChat}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "outbound type from client", env: Envelope{V: Version, Type: TypeNewMessage}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "nope"}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNew_EncodesPayload(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env, err := New(TypeUserTyping, "env-1", ts, UserTypingPayload{ChatID: "c1", UserID: "u1", IsTyping: true})
	req.NoError(err)
	req.Equal(Version, env.V)
	req.Equal(TypeUserTyping, env.Type)
	req.Equal(ts, env.TS)

	var p UserTypingPayload
	req.NoError(json.Unmarshal(env.Payload, &p))
	req.Equal(UserTypingPayload{ChatID: "c1", UserID: "u1", IsTyping: true}, p)
}
