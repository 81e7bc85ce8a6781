package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/medcheck/internal/config"
)

func TestNewOperationErrorWrapsAndUnwraps(t *testing.T) {
	sentinel := errors.New("boom")

	if NewOperationError("op", "req", nil) != nil {
		t.Fatal("expected nil for nil error")
	}

	err := NewOperationError("usecase.check", "req-1", sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if err.Error() != "usecase.check (request_id=req-1): boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	again := NewOperationError("usecase.check", "req-1", err)
	if again != err {
		t.Fatal("expected same-operation wrap to be idempotent")
	}

	outer := NewOperationError("handlers.check", "", fmt.Errorf("context: %w", err))
	if got := OperationOf(outer); got != "usecase.check" {
		t.Fatalf("expected innermost operation, got %q", got)
	}
	if got := OperationOf(sentinel); got != "" {
		t.Fatalf("expected no operation, got %q", got)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "medcheck.log")
	logger, err := NewLogger(config.LogConfig{Level: "info", File: path, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	WithOperation(logger, "test.op", "req-9").Info("hello")
	_ = logger.Sync()

	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected a rotated log file")
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log content")
	}
}
