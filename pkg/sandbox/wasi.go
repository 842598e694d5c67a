package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Limits restricts what a module may consume per call. InstructionLimit
// applies to interpreted modules only.
type Limits struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	OutputMaxBytes   int64
	InstructionLimit int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes: 64 << 20,
		CPUTimeLimit:     DefaultTimeout,
		OutputMaxBytes:   4 << 20,
		InstructionLimit: 50_000_000,
	}
}

// WASIRuntime compiles WebAssembly ownables. Deny-by-default: modules get
// stdin and stdout only. No filesystem, network, clock or randomness.
type WASIRuntime struct {
	runtime wazero.Runtime
	limits  Limits
}

// NewWASIRuntime creates a wazero runtime with the given limits.
func NewWASIRuntime(ctx context.Context, limits Limits) (*WASIRuntime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KiB pages
		pages := uint32(limits.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WASIRuntime{runtime: r, limits: limits}, nil
}

// Compile validates and compiles wasm into a reusable module.
func (w *WASIRuntime) Compile(ctx context.Context, name string, wasm []byte) (*WASIModule, error) {
	compiled, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("wasi: compilation failed: %w", err)
	}
	return &WASIModule{name: name, runtime: w.runtime, compiled: compiled, limits: w.limits}, nil
}

// Close frees the runtime and every module compiled from it.
func (w *WASIRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// WASIModule runs a compiled program once per call: the request is written
// to stdin and the response read from stdout. A fresh instance per call
// means no memory survives between calls.
type WASIModule struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	limits   Limits
}

func (m *WASIModule) Call(ctx context.Context, request []byte) ([]byte, error) {
	if m.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.limits.CPUTimeLimit)
		defer cancel()
	}

	stdout := &limitedBuffer{max: m.limits.OutputMaxBytes}
	var stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(request)).
		WithStdout(stdout).
		WithStderr(&stderr)

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case stdout.exceeded:
			return nil, &SandboxError{Code: ErrComputeOutputExhausted, Message: fmt.Sprintf("output exceeds %d bytes", m.limits.OutputMaxBytes)}
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
			// clean proc_exit(0)
		case isMemoryError(err):
			return nil, &SandboxError{Code: ErrComputeMemoryExhausted, Message: err.Error()}
		default:
			if stderr.Len() > 0 {
				return nil, fmt.Errorf("wasi: %s failed: %w (stderr: %s)", m.name, err, stderr.String())
			}
			return nil, fmt.Errorf("wasi: %s failed: %w", m.name, err)
		}
	}
	if stdout.exceeded {
		return nil, &SandboxError{Code: ErrComputeOutputExhausted, Message: fmt.Sprintf("output exceeds %d bytes", m.limits.OutputMaxBytes)}
	}
	return stdout.Bytes(), nil
}

func (m *WASIModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

type limitedBuffer struct {
	bytes.Buffer
	max      int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.max > 0 && int64(b.Len()+len(p)) > b.max {
		b.exceeded = true
		return 0, errors.New("output limit exceeded")
	}
	return b.Buffer.Write(p)
}
