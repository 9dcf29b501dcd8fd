package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerAddsSessionAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewTextHandler(&buf, nil)})

	ctx := WithSessionData(context.Background(), &SessionData{
		SessionID:  "devA/com.example->devB/com.example",
		Role:       "source",
		PeerDevice: "devB",
	})
	ctx = WithMissionData(ctx, &MissionData{MissionID: 7, BundleName: "com.example"})

	log.InfoContext(ctx, "engine.op")

	out := buf.String()
	for _, want := range []string{"sess.role=source", "sess.peer=devB", "mission.id=7", "mission.bundle=com.example"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
}

func TestHandlerPassThroughWithoutContext(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewTextHandler(&buf, nil)})

	log.Info("engine.op")

	out := buf.String()
	if strings.Contains(out, "sess.") || strings.Contains(out, "mission.") {
		t.Fatalf("unexpected context attrs in output: %s", out)
	}
}
