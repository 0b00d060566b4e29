package app

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_GroupsAndQuoting(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).
		With("session_id", "s1").
		WithGroup("ws")
	log.Warn("ws.read.fail", "err", "bad frame", slog.Group("peer", "user_id", "u2"))

	line := buf.String()
	req.Contains(line, "[WARN]")
	req.Contains(line, " session_id=s1")
	req.NotContains(line, "ws.session_id")
	req.Contains(line, `ws.err="bad frame"`)
	req.Contains(line, "ws.peer.user_id=u2")
	req.NotContains(line, "\x1b[", "colour disabled")
}

func TestPrettyHandler_ColorsStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newPrettyHandler(&buf, nil, true)).Info("http.request", "status", 503)

	require.Contains(t, buf.String(), "status="+ansiRed+"503"+ansiReset)
}
