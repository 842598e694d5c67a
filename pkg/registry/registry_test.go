package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

const counterManifest = `
name: counter
title: Counter
version: 1.2.0
runtime: lua
module: counter.lua
keywords: [Ownable, consumable, ownable]
capabilities:
  isDynamic: true
  isConsumable: true
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(counterManifest))
	require.NoError(t, err)
	assert.Equal(t, "counter", m.Name)
	assert.Equal(t, sandbox.RuntimeLua, m.Runtime)
	assert.True(t, m.Capabilities.IsDynamic)
	assert.False(t, m.Capabilities.HasMetadata)
}

func TestParseManifest_JSON(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name":"badge","version":"0.1.0","capabilities":{"isDynamic":false}}`))
	require.NoError(t, err)
	assert.Equal(t, "badge", m.Name)
}

func TestParseManifest_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing version":       "name: x\ncapabilities: {}\n",
		"bad name":              "name: Bad Name\nversion: 1.0.0\ncapabilities: {}\n",
		"unknown runtime":       "name: x\nversion: 1.0.0\nruntime: jvm\ncapabilities: {}\n",
		"dynamic needs runtime": "name: x\nversion: 1.0.0\ncapabilities: {isDynamic: true}\n",
		"unknown capability":    "name: x\nversion: 1.0.0\ncapabilities: {canFly: true}\n",
		"module with path":      "name: x\nversion: 1.0.0\nmodule: ../evil.lua\ncapabilities: {}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestBuild(t *testing.T) {
	m, err := ParseManifest([]byte(counterManifest))
	require.NoError(t, err)

	a, err := Build(m, "sha256:"+repeat("a"))
	require.NoError(t, err)
	b, err := Build(m, "sha256:"+repeat("b"))
	require.NoError(t, err)
	again, err := Build(m, "sha256:"+repeat("a"))
	require.NoError(t, err)

	assert.Equal(t, a.CID, again.CID)
	assert.NotEqual(t, a.CID, b.CID)
	assert.Equal(t, []string{"consumable", "ownable"}, a.Keywords)
	assert.True(t, a.HasKeyword("OWNABLE"))

	_, err = Build(m, "")
	assert.ErrorContains(t, err, "needs a module")

	m.Version = "not-a-version"
	_, err = Build(m, "sha256:"+repeat("a"))
	assert.ErrorContains(t, err, "invalid version")
}

func repeat(s string) string {
	out := ""
	for i := 0; i < 64; i++ {
		out += s
	}
	return out
}

func TestNormalizeKeywords(t *testing.T) {
	got := NormalizeKeywords([]string{"Café", "café", " usable ", ""})
	assert.Equal(t, []string{"café", "usable"}, got)
}

func mustBuild(t *testing.T, name, version string, caps Capabilities, keywords ...string) *Package {
	t.Helper()
	p, err := Build(&Manifest{Name: name, Version: version, Runtime: sandbox.RuntimeNative, Keywords: keywords, Capabilities: caps}, "")
	require.NoError(t, err)
	return p
}

func TestMemoryRegistry_ListAndLatest(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry(
		mustBuild(t, "counter", "1.2.0", Capabilities{IsDynamic: true}),
		mustBuild(t, "counter", "1.10.0", Capabilities{IsDynamic: true}),
		mustBuild(t, "badge", "0.1.0", Capabilities{}),
	)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "badge", list[0].Name)
	assert.Equal(t, "1.10.0", list[1].Version)

	latest, err := Latest(ctx, r, "counter")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)

	_, err = r.Get(ctx, "sha256:missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = Latest(ctx, r, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	f, err := NewFilter()
	require.NoError(t, err)

	r := NewMemoryRegistry(
		mustBuild(t, "counter", "1.2.0", Capabilities{IsDynamic: true, IsConsumable: true}, "ownable", "consumable"),
		// consumable by capability but without the keyword
		mustBuild(t, "speaker", "2.0.0", Capabilities{IsDynamic: true, IsConsumable: true, IsTransferable: true}, "soundable"),
		mustBuild(t, "badge", "0.1.0", Capabilities{}, "ownable"),
	)

	names := func(pkgs []*Package) []string {
		out := []string{}
		for _, p := range pkgs {
			out = append(out, p.Name)
		}
		return out
	}

	got, err := f.Select(ctx, r, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = f.Select(ctx, r, "consumable")
	require.NoError(t, err)
	assert.Equal(t, []string{"counter"}, names(got))

	got, err = f.Select(ctx, r, "ownable")
	require.NoError(t, err)
	assert.Equal(t, []string{"badge", "counter"}, names(got))

	got, err = f.Select(ctx, r, "moveable")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.Select(ctx, r, `pkg.isDynamic && version_matches(pkg.version, ">=2.0.0")`)
	require.NoError(t, err)
	assert.Equal(t, []string{"speaker"}, names(got))

	_, err = f.Select(ctx, r, `pkg.name ==`)
	assert.ErrorContains(t, err, "compile")

	_, err = f.Select(ctx, r, `pkg.name`)
	assert.ErrorContains(t, err, "not bool")
}

func TestFilter_CompiledProgramsAreBounded(t *testing.T) {
	f, err := NewFilter()
	require.NoError(t, err)
	p := mustBuild(t, "counter", "1.0.0", Capabilities{IsDynamic: true}, "ownable")

	for i := 0; i < programCacheSize*2; i++ {
		ok, err := f.Match(fmt.Sprintf("pkg.version != %q", strconv.Itoa(i)), p)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, programCacheSize, f.programs.Len())

	for _, tab := range Tabs {
		_, err := f.Match(tab, p)
		require.NoError(t, err)
	}
	assert.Equal(t, programCacheSize, f.programs.Len(), "tabs are compiled once")
}

func TestFSRegistry_LoadExamples(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	r := NewFSRegistry("../../examples/packages", store)

	pkgs, err := r.Load(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	counter, err := Latest(ctx, r, "counter")
	require.NoError(t, err)
	assert.True(t, counter.IsDynamic)
	assert.True(t, counter.HasWidgetState)

	ok, err := store.Exists(ctx, counter.ModuleHash)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.Get(ctx, counter.CID)
	require.NoError(t, err)
	assert.Equal(t, counter, got)

	badge, err := Latest(ctx, r, "badge")
	require.NoError(t, err)
	assert.False(t, badge.IsDynamic)
	assert.Empty(t, badge.ModuleHash)
}

func writePackage(t *testing.T, dir, manifest string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestFSRegistry_SkipsBrokenPackages(t *testing.T) {
	root := t.TempDir()
	writePackage(t, filepath.Join(root, "good"), counterManifest, map[string]string{"counter.lua": "function init() end"})
	writePackage(t, filepath.Join(root, "nested", "bad"), "name: Bad\n", nil)

	r := NewFSRegistry(root, artifacts.NewMemoryStore())
	pkgs, err := r.Load(context.Background())
	assert.Error(t, err)
	assert.Len(t, pkgs, 1)
}

func TestFSRegistry_WatchReloads(t *testing.T) {
	root := t.TempDir()
	r := NewFSRegistry(root, artifacts.NewMemoryStore())
	r.debounce = 20 * time.Millisecond
	_, err := r.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []*Package, 4)
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, func(p []*Package) { changes <- p }) }()

	// give the watcher time to register the root
	time.Sleep(100 * time.Millisecond)
	writePackage(t, root, "name: badge\nversion: 1.0.0\ncapabilities: {}\n", nil)

	require.Eventually(t, func() bool {
		select {
		case p := <-changes:
			return len(p) == 1
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
