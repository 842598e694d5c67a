// Package registry resolves package content ids to package descriptors.
//
// A package is a manifest (name, version, capability flags, runtime) plus an
// optional module blob. Its content id is the hash of the canonical manifest
// and the module blob hash, so any change to either yields a new id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/ownables/pkg/canonicalize"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

// ErrNotFound is returned for an unknown content id.
var ErrNotFound = errors.New("package not found")

// Capabilities are the flags the engine reads to decide which module
// entry points to call.
type Capabilities struct {
	IsDynamic      bool `json:"isDynamic" yaml:"isDynamic"`
	IsConsumable   bool `json:"isConsumable" yaml:"isConsumable"`
	IsTransferable bool `json:"isTransferable" yaml:"isTransferable"`
	HasMetadata    bool `json:"hasMetadata" yaml:"hasMetadata"`
	HasWidgetState bool `json:"hasWidgetState" yaml:"hasWidgetState"`
}

// Package is a resolved package descriptor.
type Package struct {
	CID         string          `json:"cid"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Keywords    []string        `json:"keywords"`
	Version     string          `json:"version"`
	Runtime     sandbox.Runtime `json:"runtime,omitempty"`
	ModuleHash  string          `json:"module_hash,omitempty"`
	Capabilities
}

// Build validates m and derives the package descriptor for it.
func Build(m *Manifest, moduleHash string) (*Package, error) {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("package %s: invalid version %q: %w", m.Name, m.Version, err)
	}
	if m.Capabilities.IsDynamic {
		if m.Runtime == "" {
			return nil, fmt.Errorf("package %s: dynamic package needs a runtime", m.Name)
		}
		if m.Runtime != sandbox.RuntimeNative && moduleHash == "" {
			return nil, fmt.Errorf("package %s: %s runtime needs a module", m.Name, m.Runtime)
		}
	}

	pkg := &Package{
		Name:         m.Name,
		Title:        m.Title,
		Description:  m.Description,
		Keywords:     NormalizeKeywords(m.Keywords),
		Version:      v.String(),
		Runtime:      m.Runtime,
		ModuleHash:   moduleHash,
		Capabilities: m.Capabilities,
	}
	if pkg.Title == "" {
		pkg.Title = pkg.Name
	}

	cid, err := canonicalize.CanonicalHash(map[string]any{
		"manifest": pkg,
		"module":   moduleHash,
	})
	if err != nil {
		return nil, fmt.Errorf("package %s: content id: %w", m.Name, err)
	}
	pkg.CID = cid
	return pkg, nil
}

// NormalizeKeywords NFC-normalizes, lowercases, dedupes and sorts keywords.
func NormalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(norm.NFC.String(k)))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasKeyword reports whether the package carries keyword k.
func (p *Package) HasKeyword(k string) bool {
	k = strings.ToLower(norm.NFC.String(k))
	for _, kw := range p.Keywords {
		if kw == k {
			return true
		}
	}
	return false
}

// Registry resolves packages.
type Registry interface {
	Get(ctx context.Context, cid string) (*Package, error)
	List(ctx context.Context) ([]*Package, error)
}

// MemoryRegistry is an in-memory Registry.
type MemoryRegistry struct {
	mu   sync.RWMutex
	pkgs map[string]*Package
}

func NewMemoryRegistry(pkgs ...*Package) *MemoryRegistry {
	r := &MemoryRegistry{pkgs: make(map[string]*Package)}
	for _, p := range pkgs {
		r.Add(p)
	}
	return r
}

// Add registers p under its content id.
func (r *MemoryRegistry) Add(p *Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkgs[p.CID] = p
}

// Replace swaps the full package set.
func (r *MemoryRegistry) Replace(pkgs []*Package) {
	next := make(map[string]*Package, len(pkgs))
	for _, p := range pkgs {
		next[p.CID] = p
	}
	r.mu.Lock()
	r.pkgs = next
	r.mu.Unlock()
}

func (r *MemoryRegistry) Get(_ context.Context, cid string) (*Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pkgs[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	return p, nil
}

// List returns packages ordered by name, newest version first.
func (r *MemoryRegistry) List(_ context.Context) ([]*Package, error) {
	r.mu.RLock()
	out := make([]*Package, 0, len(r.pkgs))
	for _, p := range r.pkgs {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		vi, ei := semver.NewVersion(out[i].Version)
		vj, ej := semver.NewVersion(out[j].Version)
		if ei != nil || ej != nil {
			return out[i].Version > out[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return out, nil
}

// Latest returns the newest version of the named package.
func Latest(ctx context.Context, r Registry, name string) (*Package, error) {
	pkgs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var best *Package
	var bestV *semver.Version
	for _, p := range pkgs {
		if p.Name != name {
			continue
		}
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(bestV) {
			best, bestV = p, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return best, nil
}
