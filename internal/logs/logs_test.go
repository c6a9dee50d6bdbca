package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json"})
	Logger.SetOutput(&buf)

	ctx := WithUser(WithRequestID(context.Background(), "req-1"), "alice")
	For(ctx, "wakeplans", "update").Info("dispatched")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	for k, want := range map[string]string{"request_id": "req-1", "user": "alice", "service": "wakeplans", "operation": "update", "msg": "dispatched"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %q", k, rec[k], want)
		}
	}
	if Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", Logger.GetLevel())
	}

	Init(Options{Level: "nonsense"})
	if Logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("bad level should fall back to info, got %v", Logger.GetLevel())
	}
}
