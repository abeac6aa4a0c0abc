package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewWasiDriver_DenyByDefaultConfig(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MemoryLimitBytes: 16 * 1024 * 1024, CPUTimeLimit: 2 * time.Second}

	d, err := NewWasiDriver(ctx, cfg)
	if err != nil {
		t.Fatalf("new wasi driver: %v", err)
	}
	defer func() { _ = d.Close(ctx) }()

	if !d.Available() {
		t.Error("expected freshly constructed driver to be available")
	}
	if d.config.MemoryLimitBytes != cfg.MemoryLimitBytes {
		t.Errorf("expected memory limit %d, got %d", cfg.MemoryLimitBytes, d.config.MemoryLimitBytes)
	}
}

func TestWasiDriver_Execute_InvalidModuleFailsCompile(t *testing.T) {
	ctx := context.Background()
	d, err := NewWasiDriver(ctx, DefaultConfig)
	if err != nil {
		t.Fatalf("new wasi driver: %v", err)
	}
	defer func() { _ = d.Close(ctx) }()

	_, err = d.Execute(ctx, []byte("not a wasm module"), []byte("{}"))
	if err == nil {
		t.Fatal("expected compile failure for non-wasm input")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if execErr.Reason != "compile_failed" {
		t.Errorf("expected compile_failed reason, got %s", execErr.Reason)
	}
}

func TestWasiDriver_Execute_RespectsTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MemoryLimitBytes: DefaultConfig.MemoryLimitBytes, CPUTimeLimit: 1 * time.Millisecond}
	d, err := NewWasiDriver(ctx, cfg)
	if err != nil {
		t.Fatalf("new wasi driver: %v", err)
	}
	defer func() { _ = d.Close(ctx) }()

	// An already-expired context is the simplest deterministic way to
	// exercise the CPU-time-limit path without needing a real, slow guest
	// module.
	cctx, cancel := context.WithTimeout(ctx, 1*time.Nanosecond)
	defer cancel()
	time.Sleep(1 * time.Millisecond)

	_, err = d.Execute(cctx, []byte("not a wasm module"), []byte("{}"))
	if err == nil {
		t.Fatal("expected error when context already expired")
	}
}

func TestWasiDriver_Close_IsIdempotentOnUnavailable(t *testing.T) {
	var d *WasiDriver
	if d.Available() {
		t.Error("expected nil driver to report unavailable")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("expected Close on nil driver to be a no-op, got %v", err)
	}
}

func TestLimitedBuffer_CapsOutput(t *testing.T) {
	b := &limitedBuffer{limit: 5}
	_, _ = b.Write([]byte("hello world"))
	if got := b.String(); got != "hello" {
		t.Errorf("expected truncated output %q, got %q", "hello", got)
	}
}

func TestLimitedBuffer_Unlimited(t *testing.T) {
	b := &limitedBuffer{limit: 0}
	_, _ = b.Write([]byte("hello world"))
	if got := b.String(); got != "hello world" {
		t.Errorf("expected full output, got %q", got)
	}
}
