package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

func counterModule(t *testing.T) *LuaModule {
	t.Helper()
	src, err := os.ReadFile("../../examples/packages/counter/counter.lua")
	require.NoError(t, err)
	m, err := NewLuaModule("counter", string(src), DefaultLimits())
	require.NoError(t, err)
	return m
}

func TestLuaModule_CounterLifecycle(t *testing.T) {
	ctx := context.Background()
	m := counterModule(t)
	alice := NewMessageInfo("Talice")

	res, err := m.Init(ctx, json.RawMessage(`{"ownable_id":"obj-1","package":"sha256:00","network_id":"T"}`), alice)
	require.NoError(t, err)
	count, _ := res.State.Get("count")
	owner, _ := res.State.Get("owner")
	assert.Equal(t, "0", string(count))
	assert.Equal(t, "Talice", string(owner))

	res, err = m.Execute(ctx, json.RawMessage(`{"increment":{}}`), alice, res.State)
	require.NoError(t, err)
	assert.Equal(t, "increment", res.Attributes["action"])

	out, err := m.Query(ctx, json.RawMessage(`{"get_info":{}}`), res.State)
	require.NoError(t, err)

	var info struct {
		Owner string `json:"owner"`
		Count int    `json:"count"`
		Type  string `json:"ownable_type"`
	}
	require.NoError(t, json.Unmarshal(out, &info))
	assert.Equal(t, 1, info.Count)
	assert.Equal(t, "Talice", info.Owner)
	assert.Equal(t, "counter", info.Type)
}

func TestLuaModule_RejectionCarriesCause(t *testing.T) {
	ctx := context.Background()
	m := counterModule(t)

	res, err := m.Init(ctx, json.RawMessage(`{"ownable_id":"obj-1"}`), NewMessageInfo("Talice"))
	require.NoError(t, err)

	_, err = m.Execute(ctx, json.RawMessage(`{"increment":{}}`), NewMessageInfo("Tmallory"), res.State)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "unauthorized", rej.Message)
	assert.JSONEq(t, `{"sender":"Tmallory","owner":"Talice"}`, string(rej.Cause))
}

func TestLuaModule_QueryDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	m := counterModule(t)
	state := statedump.FromMap(map[string][]byte{"count": []byte("4"), "owner": []byte("Talice"), "issuer": []byte("Talice")})

	out, err := m.Query(ctx, json.RawMessage(`{"is_consumer_of":{"consumable_type":"counter","issuer":"Talice"}}`), state)
	require.NoError(t, err)
	assert.Equal(t, "true", string(out))

	out, err = m.Query(ctx, json.RawMessage(`{"is_consumer_of":{"consumable_type":"counter","issuer":"Tbob"}}`), state)
	require.NoError(t, err)
	assert.Equal(t, "false", string(out))

	v, _ := state.Get("count")
	assert.Equal(t, "4", string(v))
}

func TestLuaModule_Deterministic(t *testing.T) {
	ctx := context.Background()
	m := counterModule(t)
	alice := NewMessageInfo("Talice")

	run := func() statedump.Dump {
		res, err := m.Init(ctx, json.RawMessage(`{"ownable_id":"obj-1","color":"red"}`), alice)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			res, err = m.Execute(ctx, json.RawMessage(`{"increment":{"by":2}}`), alice, res.State)
			require.NoError(t, err)
		}
		return res.State
	}
	a, b := run(), run()
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Digest(), b.Digest())
}

func TestLuaModule_RestrictedEnvironment(t *testing.T) {
	ctx := context.Background()
	src := `
function init(msg, info)
  state.has_os = tostring(os ~= nil)
  state.has_io = tostring(io ~= nil)
  state.has_random = tostring(math.random ~= nil)
  state.has_dofile = tostring(dofile ~= nil)
  state.has_pcall = tostring(pcall ~= nil)
end
function execute(msg, info) end
function query(msg) return nil end
`
	m, err := NewLuaModule("sandboxed", src, DefaultLimits())
	require.NoError(t, err)

	res, err := m.Init(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"))
	require.NoError(t, err)
	for _, key := range []string{"has_os", "has_io", "has_random", "has_dofile", "has_pcall"} {
		v, ok := res.State.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, "false", string(v), key)
	}
}

func TestLuaModule_SyntaxError(t *testing.T) {
	_, err := NewLuaModule("broken", "function init(", DefaultLimits())
	assert.Error(t, err)
}

func TestLuaModule_ThroughBridge(t *testing.T) {
	b := NewBridge("obj-1", counterModule(t))
	defer b.Close()
	ctx := context.Background()

	res, err := b.Init(ctx, json.RawMessage(`{"ownable_id":"obj-1"}`), NewMessageInfo("Talice"))
	require.NoError(t, err)
	require.NoError(t, b.Refresh(ctx, res.State))

	_, err = b.Execute(ctx, json.RawMessage(`{"nonsense":{}}`), NewMessageInfo("Talice"), res.State)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "unknown message", rej.Message)
}

const luaSpin = `
function init(msg, info) state.ready = "yes" end
function execute(msg, info) while true do end end
function query(msg) return state.ready end
`

func TestLuaModule_BridgeTimeoutFreesWorker(t *testing.T) {
	m, err := NewLuaModule("spin", luaSpin, Limits{})
	require.NoError(t, err)
	b := NewBridge("obj-1", m, WithTimeout(200*time.Millisecond))
	ctx := context.Background()

	res, err := b.Init(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"))
	require.NoError(t, err)

	_, err = b.Execute(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"), res.State)
	assert.ErrorIs(t, err, ErrTimeout)

	// the worker must be free again for the next call
	out, err := b.Query(ctx, json.RawMessage(`{}`), res.State)
	require.NoError(t, err)
	assert.Equal(t, `"yes"`, string(out))

	go func() { _, _ = b.Execute(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"), res.State) }()
	time.Sleep(50 * time.Millisecond)
	b.Close()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running after Close")
	}
}

func TestLuaModule_InstructionBudget(t *testing.T) {
	m, err := NewLuaModule("spin", luaSpin, Limits{InstructionLimit: 100_000})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := m.Init(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"))
	require.NoError(t, err)

	_, err = m.Execute(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"), res.State)
	var sbErr *SandboxError
	require.ErrorAs(t, err, &sbErr)
	assert.Equal(t, ErrComputeTimeExhausted, sbErr.Code)
	assert.False(t, IsRejection(err))
}

func TestLuaModule_TopLevelLoopIsInterrupted(t *testing.T) {
	m, err := NewLuaModule("spin", "while true do end", Limits{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = m.Init(ctx, json.RawMessage(`{}`), NewMessageInfo("Talice"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
