package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iacapto/capto/pkg/entitlement"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)

	if NewLogger(&zlog) == nil {
		t.Fatal("NewLogger returned nil")
	}

	// nil falls back to a no-op logger
	NewLogger(nil).Info("dropped")
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", entitlement.Field{Key: "k", Value: "v"}) }},
		{"info", func(l *Logger) { l.Info("msg", entitlement.Field{Key: "k", Value: "v"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", entitlement.Field{Key: "k", Value: "v"}) }},
		{"error", func(l *Logger) { l.Error("msg", entitlement.Field{Key: "k", Value: "v"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["k"] != "v" {
				t.Errorf("field k = %v, want v", entry["k"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	// Warn and Error should be logged
	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_TypedFields(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Info("entitlement updated",
		entitlement.Field{Key: "email", Value: "bob@x.com"},
		entitlement.Field{Key: "attempt", Value: 3},
		entitlement.Field{Key: "error", Value: errors.New("boom")},
		entitlement.Field{Key: "active", Value: true},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["email"] != "bob@x.com" || entry["attempt"] != float64(3) || entry["error"] != "boom" || entry["active"] != true {
		t.Errorf("unexpected fields: %v", entry)
	}
}
