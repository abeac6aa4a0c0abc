// Package sandbox drives isolated execution of unsafe tools via wazero, a
// pure-Go WebAssembly runtime. The driver is deny-by-default: no network,
// no filesystem, no ambient environment — only stdin/stdout/stderr are
// wired to the guest module.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config carries the resource caps §4.3 requires of the sandbox driver.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	MaxOutputBytes   int
}

// DefaultConfig matches the original implementation's environment-variable
// defaults (ORCH_SANDBOX_CPU's 0.5 cores has no wazero equivalent; it is
// approximated by the wall-clock timeout instead).
var DefaultConfig = Config{
	MemoryLimitBytes: 256 * 1024 * 1024,
	CPUTimeLimit:     10 * time.Second,
	MaxOutputBytes:   64 * 1024,
}

// ErrUnavailable is returned when the driver cannot be constructed or used
// at all (e.g. the runtime failed to initialize).
var ErrUnavailable = errors.New("sandbox: driver unavailable")

// ExecutionError wraps a guest module failure: non-zero-equivalent trap,
// timeout, or stderr output.
type ExecutionError struct {
	Reason string
	Stderr string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox: execution failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox: execution failed (%s)", e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Driver runs a compiled WASM module with input on stdin and returns its
// captured stdout.
type Driver interface {
	Available() bool
	Execute(ctx context.Context, module []byte, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// WasiDriver is the production Driver, backed by wazero.
type WasiDriver struct {
	runtime wazero.Runtime
	config  Config
}

// NewWasiDriver constructs a driver with the given resource caps.
func NewWasiDriver(ctx context.Context, cfg Config) (*WasiDriver, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate wasi: %v", ErrUnavailable, err)
	}

	return &WasiDriver{runtime: r, config: cfg}, nil
}

// Available reports whether the driver is ready to accept work.
func (d *WasiDriver) Available() bool {
	return d != nil && d.runtime != nil
}

// Execute compiles and instantiates module, feeding input on stdin and
// returning stdout. Deny-by-default: no filesystem mount, no network
// listener, no inherited environment variables, no random source, no
// high-resolution clock — only what wazero.NewModuleConfig wires by
// default plus stdin/stdout/stderr.
func (d *WasiDriver) Execute(ctx context.Context, module []byte, input []byte) ([]byte, error) {
	if !d.Available() {
		return nil, ErrUnavailable
	}
	if d.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.CPUTimeLimit)
		defer cancel()
	}

	compiled, err := d.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, &ExecutionError{Reason: "compile_failed", Err: err}
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr limitedBuffer
	stdout.limit = d.config.MaxOutputBytes
	stderr.limit = d.config.MaxOutputBytes

	modCfg := wazero.NewModuleConfig().
		WithName("orchestrator-tool").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := d.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ExecutionError{Reason: "timeout", Err: ctx.Err()}
		}
		return nil, &ExecutionError{Reason: "trap", Stderr: stderr.String(), Err: err}
	}

	return stdout.Bytes(), nil
}

// Close shuts down the wazero runtime, freeing all compiled modules.
func (d *WasiDriver) Close(ctx context.Context) error {
	if !d.Available() {
		return nil
	}
	return d.runtime.Close(ctx)
}

// limitedBuffer caps how much a guest module can write to a captured
// stream, so a runaway tool cannot exhaust host memory.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 || b.buf.Len() < b.limit {
		remaining := b.limit - b.buf.Len()
		if b.limit <= 0 || remaining > len(p) {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:remaining])
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
func (b *limitedBuffer) String() string { return b.buf.String() }
