package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "marketchat/shared/contracts/realtime/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain returns every frame queued for c without blocking.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()

	var p T
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}
