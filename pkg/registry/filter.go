package registry

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Tabs are the keyword tabs of the ownables listing. Each selects the
// packages carrying exactly that keyword.
var Tabs = []string{"ownable", "consumable", "usable", "moveable", "soundable"}

// programCacheSize bounds how many ad-hoc expressions stay compiled.
const programCacheSize = 128

// Filter evaluates CEL expressions over packages. The package is bound to
// the variable `pkg`; `version_matches(pkg.version, ">=1.0.0")` tests a
// semver constraint. A bare tab name is accepted in place of an expression.
type Filter struct {
	env      *cel.Env
	tabs     map[string]cel.Program
	programs *lru.Cache[string, cel.Program]
}

func NewFilter() (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("pkg", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("version_matches",
			cel.Overload("version_matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(versionMatches),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}
	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, fmt.Errorf("filter cache: %w", err)
	}

	f := &Filter{env: env, tabs: make(map[string]cel.Program, len(Tabs)), programs: programs}
	for _, tab := range Tabs {
		prg, err := f.compile(fmt.Sprintf("%q in pkg.keywords", tab))
		if err != nil {
			return nil, fmt.Errorf("tab %s: %w", tab, err)
		}
		f.tabs[tab] = prg
	}
	return f, nil
}

func versionMatches(lhs, rhs ref.Val) ref.Val {
	v, err := semver.NewVersion(string(lhs.(types.String)))
	if err != nil {
		return types.NewErr("version_matches: %v", err)
	}
	c, err := semver.NewConstraint(string(rhs.(types.String)))
	if err != nil {
		return types.NewErr("version_matches: %v", err)
	}
	return types.Bool(c.Check(v))
}

func (f *Filter) program(expr string) (cel.Program, error) {
	if prg, ok := f.tabs[expr]; ok {
		return prg, nil
	}
	if prg, ok := f.programs.Get(expr); ok {
		return prg, nil
	}
	prg, err := f.compile(expr)
	if err != nil {
		return nil, err
	}
	f.programs.Add(expr, prg)
	return prg, nil
}

func (f *Filter) compile(expr string) (cel.Program, error) {
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := f.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// Match evaluates expr, or the tab it names, against p.
func (f *Filter) Match(expr string, p *Package) (bool, error) {
	prg, err := f.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"pkg": activation(p)})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: result not bool")
	}
	return val, nil
}

// Select lists the packages of r for which expr holds. An empty expr
// selects everything; a tab name selects that tab.
func (f *Filter) Select(ctx context.Context, r Registry, expr string) ([]*Package, error) {
	pkgs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return pkgs, nil
	}

	out := make([]*Package, 0, len(pkgs))
	for _, p := range pkgs {
		ok, err := f.Match(expr, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func activation(p *Package) map[string]any {
	keywords := make([]string, len(p.Keywords))
	copy(keywords, p.Keywords)
	return map[string]any{
		"cid":            p.CID,
		"name":           p.Name,
		"title":          p.Title,
		"description":    p.Description,
		"keywords":       keywords,
		"version":        p.Version,
		"runtime":        string(p.Runtime),
		"isDynamic":      p.IsDynamic,
		"isConsumable":   p.IsConsumable,
		"isTransferable": p.IsTransferable,
		"hasMetadata":    p.HasMetadata,
		"hasWidgetState": p.HasWidgetState,
	}
}
