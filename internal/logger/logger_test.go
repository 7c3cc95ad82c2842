package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitConfiguresGlobalLogger(t *testing.T) {
	t.Cleanup(func() { Set(zap.NewNop()) })

	if err := Init("debug"); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if !Logger().Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected logger to enable debug level")
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { Set(zap.NewNop()) })

	if err := Init("chatty"); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if Logger().Core().Enabled(zap.DebugLevel) {
		t.Fatal("debug should be disabled at info level")
	}
	if !Logger().Core().Enabled(zap.InfoLevel) {
		t.Fatal("info should be enabled")
	}
}

func TestWithModuleAttachesModuleField(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	t.Cleanup(func() { Set(zap.NewNop()) })
	Set(zap.New(core))

	WithModule("sync").Info("module test")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if module := entries[0].ContextMap()["module"]; module != "sync" {
		t.Fatalf("expected module field to be \"sync\", got %v", module)
	}
}
