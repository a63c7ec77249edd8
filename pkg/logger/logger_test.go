package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	Configure("debug", "json", &buf)

	if Log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", Log.GetLevel())
	}

	For("fog_model").WithField("map_id", "m1").Info("area revealed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if entry["component"] != "fog_model" || entry["map_id"] != "m1" {
		t.Errorf("unexpected fields: %v", entry)
	}
}

func TestConfigure_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Configure("loud", "text", &buf)
	if Log.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", Log.GetLevel())
	}
}
