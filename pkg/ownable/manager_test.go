package ownable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
	"github.com/Mindburn-Labs/ownables/pkg/cache"
	"github.com/Mindburn-Labs/ownables/pkg/identity"
	"github.com/Mindburn-Labs/ownables/pkg/registry"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
	"github.com/Mindburn-Labs/ownables/pkg/statedump"
	"github.com/Mindburn-Labs/ownables/pkg/store"
)

// tally is a native program keeping owner, issuer and count. It counts every
// sandbox call it receives and can be made to block in execute.
type tally struct {
	calls    atomic.Int32
	executes atomic.Int32
	entered  chan struct{}
	block    chan struct{}
	failInit bool
}

func newTally() *tally {
	return &tally{entered: make(chan struct{}, 16)}
}

func (h *tally) Init(_ context.Context, _ json.RawMessage, info sandbox.MessageInfo) (*sandbox.ExecuteResult, error) {
	h.calls.Add(1)
	if h.failInit {
		return nil, sandbox.Reject("init refused", nil)
	}
	return &sandbox.ExecuteResult{State: statedump.FromMap(map[string][]byte{
		"owner":  []byte(info.Sender),
		"issuer": []byte(info.Sender),
		"count":  []byte("0"),
	})}, nil
}

func (h *tally) Execute(ctx context.Context, msg json.RawMessage, info sandbox.MessageInfo, state statedump.Dump) (*sandbox.ExecuteResult, error) {
	h.calls.Add(1)
	h.executes.Add(1)
	select {
	case h.entered <- struct{}{}:
	default:
	}
	if h.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.block:
		}
	}

	m := state.Map()
	if string(m["owner"]) != info.Sender {
		return nil, sandbox.Reject("unauthorized", nil)
	}
	var in struct {
		Add      *int `json:"add"`
		Transfer *struct {
			To string `json:"to"`
		} `json:"transfer"`
		Consume json.RawMessage `json:"consume"`
	}
	if err := json.Unmarshal(msg, &in); err != nil {
		return nil, err
	}
	switch {
	case in.Add != nil:
		if *in.Add < 0 {
			return nil, sandbox.Reject("negative add", map[string]int{"add": *in.Add})
		}
		n, _ := strconv.Atoi(string(m["count"]))
		m["count"] = []byte(strconv.Itoa(n + *in.Add))
	case in.Transfer != nil:
		m["owner"] = []byte(in.Transfer.To)
	case in.Consume != nil:
		n, _ := strconv.Atoi(string(m["count"]))
		m["count"] = []byte(strconv.Itoa(n + 1))
	default:
		return nil, sandbox.Reject("unknown message", nil)
	}
	return &sandbox.ExecuteResult{State: statedump.FromMap(m)}, nil
}

func (h *tally) Query(_ context.Context, msg json.RawMessage, state statedump.Dump) (json.RawMessage, error) {
	h.calls.Add(1)
	var q map[string]json.RawMessage
	if err := json.Unmarshal(msg, &q); err != nil {
		return nil, err
	}
	m := state.Map()
	switch {
	case q["get_info"] != nil:
		n, _ := strconv.Atoi(string(m["count"]))
		return json.Marshal(map[string]any{
			"owner":        string(m["owner"]),
			"issuer":       string(m["issuer"]),
			"ownable_type": "tally",
			"count":        n,
		})
	case q["is_consumer_of"] != nil:
		return json.RawMessage(`true`), nil
	}
	return nil, sandbox.Reject("unknown query", nil)
}

func (h *tally) Refresh(context.Context, statedump.Dump) error {
	h.calls.Add(1)
	return nil
}

type harness struct {
	ctx      context.Context
	account  *identity.Account
	registry *registry.MemoryRegistry
	loader   *sandbox.Loader
	store    *store.MemoryStore
	cache    *cache.MemoryCache
	m        *Manager

	counter *registry.Package
	badge   *registry.Package
	tally   *registry.Package
	broken  *registry.Package
	h       *tally
}

func testClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return ts.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	acct, err := identity.NewAccount([]byte("ownable-test"), identity.DefaultNetwork)
	require.NoError(t, err)

	blobs := artifacts.NewMemoryStore()
	counter, err := registry.ImportDir(ctx, "../../examples/packages/counter", blobs)
	require.NoError(t, err)
	badge, err := registry.ImportDir(ctx, "../../examples/packages/badge", blobs)
	require.NoError(t, err)
	tallyPkg, err := registry.Build(&registry.Manifest{
		Name: "tally", Version: "1.0.0", Runtime: sandbox.RuntimeNative,
		Capabilities: registry.Capabilities{IsDynamic: true, IsTransferable: true},
	}, "")
	require.NoError(t, err)
	broken, err := registry.Build(&registry.Manifest{
		Name: "broken", Version: "1.0.0", Runtime: sandbox.RuntimeNative,
		Capabilities: registry.Capabilities{IsDynamic: true},
	}, "")
	require.NoError(t, err)

	h := newTally()
	loader := sandbox.NewLoader(blobs, nil)
	loader.RegisterNative("tally", func() sandbox.Handler { return h })
	loader.RegisterNative("broken", func() sandbox.Handler { return &tally{failInit: true} })

	hs := &harness{
		ctx:      ctx,
		account:  acct,
		registry: registry.NewMemoryRegistry(counter, badge, tallyPkg, broken),
		loader:   loader,
		store:    store.NewMemoryStore(),
		cache:    cache.NewMemoryCache(),
		counter:  counter,
		badge:    badge,
		tally:    tallyPkg,
		broken:   broken,
		h:        h,
	}
	hs.m = hs.newManager()
	t.Cleanup(hs.m.Close)
	return hs
}

func (hs *harness) newManager(opts ...Option) *Manager {
	return NewManager(hs.account, hs.registry, hs.loader, hs.store, hs.cache,
		append([]Option{WithClock(testClock()), WithBridgeTimeout(2 * time.Second)}, opts...)...,
	)
}

func (hs *harness) create(t *testing.T, pkg *registry.Package, msg string) *Snapshot {
	t.Helper()
	var raw json.RawMessage
	if msg != "" {
		raw = json.RawMessage(msg)
	}
	snap, err := hs.m.Create(hs.ctx, pkg.CID, raw)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

type counterInfo struct {
	Owner      string `json:"owner"`
	Count      int    `json:"count"`
	ConsumedBy string `json:"consumed_by"`
}

func decodeInfo(t *testing.T, info Info) counterInfo {
	t.Helper()
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	var ci counterInfo
	require.NoError(t, json.Unmarshal(raw, &ci))
	return ci
}

func TestManager_CounterScenario(t *testing.T) {
	hs := newHarness(t)
	snap := hs.create(t, hs.counter, "")
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, 1, snap.Events)
	assert.Equal(t, hs.account.Address(), snap.Info.Owner)
	assert.Equal(t, "counter", snap.Info.OwnableType)
	assert.Equal(t, "Counter", snap.Metadata.Name)
	assert.Equal(t, 0, decodeInfo(t, snap.Info).Count)

	snap, err := hs.m.Execute(hs.ctx, snap.ID, json.RawMessage(`{"increment":{"by":1}}`))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Events)
	assert.Equal(t, 1, decodeInfo(t, snap.Info).Count)
	assert.Equal(t, "Counted to 1", snap.Metadata.Description)

	raw, err := hs.m.Query(hs.ctx, snap.ID, json.RawMessage(`{"get_info":{}}`))
	require.NoError(t, err)
	var info counterInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, 1, info.Count)

	rec, err := hs.store.Get(hs.ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.StateHash, rec.AppliedHash)
	assert.Positive(t, hs.cache.Len(snap.ID))

	require.NoError(t, hs.m.Delete(hs.ctx, snap.ID))
	_, err = hs.m.Get(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = hs.store.Get(hs.ctx, snap.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, hs.cache.Len(snap.ID))

	assert.ErrorIs(t, hs.m.Delete(hs.ctx, snap.ID), ErrNotFound)
}

func TestManager_RejectionLeavesStateUntouched(t *testing.T) {
	hs := newHarness(t)
	before := hs.create(t, hs.counter, `{"count":3}`)

	snap, err := hs.m.Execute(hs.ctx, before.ID, json.RawMessage(`{"increment":{"by":0}}`))
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, sandbox.IsRejection(err))
	assert.Contains(t, Describe(err), "increment must be positive")

	after, err := hs.m.Get(before.ID)
	require.NoError(t, err)
	assert.Equal(t, before.StateHash, after.StateHash)
	assert.Equal(t, before.Events, after.Events)
	assert.True(t, before.State.Equal(after.State))
	assert.Equal(t, StatusReady, after.Status)

	rec, err := hs.store.Get(hs.ctx, before.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Chain.Events, 1)
}

func TestManager_TimeoutLeavesStateUntouched(t *testing.T) {
	hs := newHarness(t)
	m := hs.newManager(WithBridgeTimeout(150 * time.Millisecond))
	t.Cleanup(m.Close)

	before, err := m.Create(hs.ctx, hs.tally.CID, nil)
	require.NoError(t, err)
	cached := hs.cache.Len(before.ID)

	block := make(chan struct{})
	hs.h.block = block
	snap, err := m.Execute(hs.ctx, before.ID, json.RawMessage(`{"add":5}`))
	close(block)
	assert.Nil(t, snap)
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.Equal(t, "the ownable did not respond in time", Describe(err))

	after, err := m.Get(before.ID)
	require.NoError(t, err)
	assert.Equal(t, before.StateHash, after.StateHash)
	assert.Equal(t, before.Events, after.Events)
	assert.True(t, before.State.Equal(after.State))
	assert.Equal(t, StatusReady, after.Status)
	assert.Equal(t, cached, hs.cache.Len(before.ID))

	rec, err := hs.store.Get(hs.ctx, before.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Chain.Events, 1)

	// a timeout is retryable
	snap, err = m.Execute(hs.ctx, before.ID, json.RawMessage(`{"add":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5, decodeInfo(t, snap.Info).Count)
}

func TestManager_Exclusivity(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	b := hs.create(t, hs.tally, "")
	hs.h.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := hs.m.Execute(hs.ctx, a.ID, json.RawMessage(`{"add":1}`))
		done <- err
	}()
	<-hs.h.entered

	_, err := hs.m.Execute(hs.ctx, a.ID, json.RawMessage(`{"add":2}`))
	assert.ErrorIs(t, err, ErrBusy)
	snap, err := hs.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, snap.Status)

	_, err = hs.m.Transfer(hs.ctx, a.ID, "3Nsomeone")
	assert.ErrorIs(t, err, ErrBusy)

	// Other ownables are not affected.
	bSnap, err := hs.m.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, bSnap.Status)

	close(hs.h.block)
	require.NoError(t, <-done)

	snap, err = hs.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, 2, snap.Events)
}

func TestManager_DeleteCancelsInFlight(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	hs.h.block = make(chan struct{})

	type result struct {
		snap *Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := hs.m.Execute(hs.ctx, a.ID, json.RawMessage(`{"add":1}`))
		done <- result{snap, err}
	}()
	<-hs.h.entered

	require.NoError(t, hs.m.Delete(hs.ctx, a.ID))
	res := <-done
	assert.NoError(t, res.err)
	assert.Nil(t, res.snap)

	_, err := hs.store.Get(hs.ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, hs.cache.Len(a.ID))
}

func TestManager_CreateFailureIsNotRegistered(t *testing.T) {
	hs := newHarness(t)
	snap, err := hs.m.Create(hs.ctx, hs.broken.CID, nil)
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, sandbox.IsRejection(err))
	assert.Empty(t, hs.m.List())

	ids, err := hs.store.List(hs.ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = hs.m.Create(hs.ctx, "sha256:unknown", nil)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestManager_StaticOwnable(t *testing.T) {
	hs := newHarness(t)
	snap := hs.create(t, hs.badge, "")
	assert.Equal(t, hs.account.Address(), snap.Info.Owner)
	assert.Equal(t, hs.account.Address(), snap.Info.Issuer)
	assert.Equal(t, "Badge", snap.Metadata.Name)
	assert.Equal(t, hs.badge.Description, snap.Metadata.Description)

	_, err := hs.m.Execute(hs.ctx, snap.ID, json.RawMessage(`{"add":1}`))
	assert.ErrorIs(t, err, ErrNotDynamic)
}

func TestManager_Transfer(t *testing.T) {
	hs := newHarness(t)
	snap := hs.create(t, hs.counter, "")

	other, err := identity.NewAccount([]byte("someone-else"), identity.DefaultNetwork)
	require.NoError(t, err)

	bundle, err := hs.m.Transfer(hs.ctx, snap.ID, other.Address())
	require.NoError(t, err)
	assert.Regexp(t, `^ownable\.[0-9a-f-]{12}\.[0-9a-f]{8}\.zip$`, bundle.Name)

	after, err := hs.m.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, other.Address(), after.Info.Owner)

	_, err = hs.m.Execute(hs.ctx, snap.ID, json.RawMessage(`{"increment":{}}`))
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = hs.m.Transfer(hs.ctx, snap.ID, hs.account.Address())
	assert.ErrorIs(t, err, ErrNotOwner)

	badge := hs.create(t, hs.badge, "")
	_, err = hs.m.Transfer(hs.ctx, badge.ID, other.Address())
	assert.ErrorIs(t, err, ErrNotDynamic)
}

func TestManager_LoadAllResumesFromCache(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	for i := 0; i < 3; i++ {
		_, err := hs.m.Execute(hs.ctx, a.ID, json.RawMessage(`{"add":2}`))
		require.NoError(t, err)
	}
	c := hs.create(t, hs.counter, `{"count":4}`)
	before, err := hs.m.Get(a.ID)
	require.NoError(t, err)
	hs.m.Close()

	executes := hs.h.executes.Load()
	m := hs.newManager()
	defer m.Close()
	require.NoError(t, m.LoadAll(hs.ctx))
	assert.Len(t, m.List(), 2)

	after, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, before.StateHash, after.StateHash)
	assert.True(t, before.State.Equal(after.State))
	assert.Equal(t, executes, hs.h.executes.Load(), "cached dumps are reused")

	counter, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, decodeInfo(t, counter.Info).Count)
}

func TestManager_FailedRestoreKeepsCachedDumps(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	for i := 0; i < 3; i++ {
		_, err := hs.m.Execute(hs.ctx, a.ID, json.RawMessage(`{"add":1}`))
		require.NoError(t, err)
	}
	hs.m.Close()
	cached := hs.cache.Len(a.ID)
	require.Positive(t, cached)

	hs.h.failInit = true
	m := hs.newManager()
	defer m.Close()
	assert.Error(t, m.LoadAll(hs.ctx))
	assert.Empty(t, m.List())
	assert.Equal(t, cached, hs.cache.Len(a.ID))

	hs.h.failInit = false
	executes := hs.h.executes.Load()
	require.NoError(t, m.LoadAll(hs.ctx))
	after, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, decodeInfo(t, after.Info).Count)
	assert.Equal(t, executes, hs.h.executes.Load(), "cached dumps are reused")
}

func TestManager_CloseStopsSandboxWorkers(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	c, err := hs.m.controller(a.ID)
	require.NoError(t, err)

	hs.m.Close()
	select {
	case <-c.bridge.Done():
	default:
		t.Fatal("Close returned before the sandbox worker stopped")
	}
}

func TestManager_LoadAllSkipsUnknownPackages(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	hs.create(t, hs.badge, "")
	hs.m.Close()

	hs.registry = registry.NewMemoryRegistry(hs.badge)
	m := hs.newManager()
	defer m.Close()
	err := m.LoadAll(hs.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Len(t, m.List(), 1)
	_, err = m.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_DeleteAll(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	b := hs.create(t, hs.counter, "")

	require.NoError(t, hs.m.DeleteAll(hs.ctx))
	assert.Empty(t, hs.m.List())
	ids, err := hs.store.List(hs.ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, hs.cache.Len(a.ID))
	assert.Zero(t, hs.cache.Len(b.ID))
}

func TestDescribe(t *testing.T) {
	rej := &sandbox.RejectionError{Method: sandbox.MethodExecute, Message: "nope"}
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{rej, "rejected by the ownable: nope"},
		{sandbox.ErrTimeout, "the ownable did not respond in time"},
		{sandbox.ErrCancelled, "the operation was cancelled"},
		{ErrBusy, "the ownable is busy with another operation"},
		{&ConsumeError{ConsumerCommitted: true, Err: sandbox.ErrTimeout}, "consume only partly applied: the ownable did not respond in time"},
		{&ConsumeError{ConsumerCommitted: true, Err: fmt.Errorf("torn down: %w", sandbox.ErrCancelled)}, "consume only partly applied: the operation was cancelled"},
		{errors.New("disk full"), "disk full"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Describe(tc.err))
	}
}
