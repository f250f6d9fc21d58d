package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	original := isTerminalFn
	t.Cleanup(func() {
		resetLoggingState()
		isTerminalFn = original
	})

	var buf bytes.Buffer
	logger := Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "tiergate",
		Output:    &buf,
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	logger.Debug().Str("feature", "csv_export").Msg("checked")
	event := readJSONLine(t, &buf)
	if event["component"] != "tiergate" {
		t.Fatalf("expected component tiergate, got %v", event["component"])
	}
	if event["feature"] != "csv_export" {
		t.Fatalf("expected feature field, got %v", event["feature"])
	}
}

func TestInitConsoleFormatIsHumanReadable(t *testing.T) {
	original := isTerminalFn
	t.Cleanup(func() {
		resetLoggingState()
		isTerminalFn = original
	})

	var buf bytes.Buffer
	logger := Init(Config{Format: "console", Level: "info", Output: &buf})
	logger.Info().Msg("hello console")

	out := buf.String()
	if !strings.Contains(out, "hello console") {
		t.Fatalf("missing message in %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("console writer produced JSON: %q", out)
	}
}

func TestAutoFormatFallsBackToJSONForNonTerminal(t *testing.T) {
	original := isTerminalFn
	t.Cleanup(func() {
		resetLoggingState()
		isTerminalFn = original
	})
	isTerminalFn = func(int) bool { return true }

	var buf bytes.Buffer
	logger := Init(Config{Format: "auto", Output: &buf})
	logger.Info().Msg("auto")

	// A bytes.Buffer is never a terminal, regardless of isTerminalFn.
	readJSONLine(t, &buf)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, id)
	}

	ctx, id = WithRequestID(nil, "  fixed-id ") //nolint:staticcheck // nil context is normalized
	if id != "fixed-id" || RequestIDFromContext(ctx) != "fixed-id" {
		t.Fatalf("explicit id not preserved: %q", id)
	}

	var buf bytes.Buffer
	logger := WithContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("x")
	event := readJSONLine(t, &buf)
	if event["request_id"] != "fixed-id" {
		t.Fatalf("request_id = %v", event["request_id"])
	}

	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty request id on bare context")
	}
}
