package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
)

// Runtime names which interpreter runs a package's module.
type Runtime string

const (
	RuntimeWASM   Runtime = "wasm"
	RuntimeLua    Runtime = "lua"
	RuntimeNative Runtime = "native"
)

// Loader turns package module references into runnable Modules.
type Loader struct {
	artifacts artifacts.Store
	wasi      *WASIRuntime
	limits    Limits

	mu     sync.RWMutex
	native map[string]func() Handler
}

// NewLoader creates a loader reading module blobs from store. wasi may be nil
// when WebAssembly packages are not supported; Lua modules then run with
// DefaultLimits.
func NewLoader(store artifacts.Store, wasi *WASIRuntime) *Loader {
	limits := DefaultLimits()
	if wasi != nil {
		limits = wasi.limits
	}
	return &Loader{artifacts: store, wasi: wasi, limits: limits, native: make(map[string]func() Handler)}
}

// RegisterNative makes a Go handler available to packages with runtime
// "native" and the given name.
func (l *Loader) RegisterNative(name string, factory func() Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[name] = factory
}

// Load returns a fresh module for the named package.
func (l *Loader) Load(ctx context.Context, name string, runtime Runtime, moduleHash string) (Module, error) {
	switch runtime {
	case RuntimeNative:
		l.mu.RLock()
		factory, ok := l.native[name]
		l.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no native handler registered for %q", name)
		}
		return NewInProcessModule(factory()), nil
	case RuntimeLua:
		src, err := l.artifacts.Get(ctx, moduleHash)
		if err != nil {
			return nil, fmt.Errorf("load %s module: %w", name, err)
		}
		return NewLuaModule(name, string(src), l.limits)
	case RuntimeWASM:
		if l.wasi == nil {
			return nil, fmt.Errorf("load %s: wasm runtime not configured", name)
		}
		wasm, err := l.artifacts.Get(ctx, moduleHash)
		if err != nil {
			return nil, fmt.Errorf("load %s module: %w", name, err)
		}
		return l.wasi.Compile(ctx, name, wasm)
	default:
		return nil, fmt.Errorf("load %s: unsupported runtime %q", name, runtime)
	}
}
