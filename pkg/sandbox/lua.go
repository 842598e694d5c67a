package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/Shopify/go-lua"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// luaHookInterval is how many VM instructions run between guard checks.
const luaHookInterval = 1000

// LuaModule runs an ownable written in Lua. Each call gets a fresh
// interpreter, so the only state a script sees is the dump passed in.
//
// Scripts define global functions and read or write the global `state`
// table, which maps string keys to string values:
//
//	function init(msg, info) ... end          -- required
//	function execute(msg, info) ... end       -- required, may return attributes
//	function query(msg) return ... end        -- required
//	function refresh() ... end                -- optional
//
// Raising an error rejects the message. error({message=..., cause=...})
// attaches a structured cause.
//
// A call stops when its context is done or when it runs more than
// Limits.InstructionLimit instructions.
type LuaModule struct {
	name   string
	source string
	limits Limits
}

// NewLuaModule compiles source once to surface syntax errors early.
func NewLuaModule(name, source string, limits Limits) (*LuaModule, error) {
	l := newLuaState()
	if err := lua.LoadString(l, source); err != nil {
		return nil, fmt.Errorf("lua: %s: %w", name, err)
	}
	return &LuaModule{name: name, source: source, limits: limits}, nil
}

func (m *LuaModule) Call(ctx context.Context, request []byte) ([]byte, error) {
	if m.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.limits.CPUTimeLimit)
		defer cancel()
	}
	resp, err := Serve(ctx, m, request)
	if err != nil {
		return nil, err
	}
	if m.limits.OutputMaxBytes > 0 && int64(len(resp)) > m.limits.OutputMaxBytes {
		return nil, &SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("%s: response of %d bytes exceeds %d", m.name, len(resp), m.limits.OutputMaxBytes),
		}
	}
	return resp, nil
}

func (m *LuaModule) Close(_ context.Context) error { return nil }

func (m *LuaModule) Init(ctx context.Context, msg json.RawMessage, info MessageInfo) (*ExecuteResult, error) {
	return m.mutate(ctx, "init", msg, info, statedump.Empty())
}

func (m *LuaModule) Execute(ctx context.Context, msg json.RawMessage, info MessageInfo, state statedump.Dump) (*ExecuteResult, error) {
	return m.mutate(ctx, "execute", msg, info, state)
}

func (m *LuaModule) Query(ctx context.Context, msg json.RawMessage, state statedump.Dump) (json.RawMessage, error) {
	run, err := m.load(ctx, state)
	if err != nil {
		return nil, err
	}
	arg, err := decodeAny(msg)
	if err != nil {
		return nil, err
	}
	out, found, err := run.invoke("query", arg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &SandboxError{Code: ErrProtocol, Message: fmt.Sprintf("%s: query not defined", m.name)}
	}
	return json.Marshal(out)
}

func (m *LuaModule) Refresh(ctx context.Context, state statedump.Dump) error {
	run, err := m.load(ctx, state)
	if err != nil {
		return err
	}
	_, _, err = run.invoke("refresh")
	return err
}

func (m *LuaModule) mutate(ctx context.Context, fn string, msg json.RawMessage, info MessageInfo, state statedump.Dump) (*ExecuteResult, error) {
	run, err := m.load(ctx, state)
	if err != nil {
		return nil, err
	}
	arg, err := decodeAny(msg)
	if err != nil {
		return nil, err
	}
	infoRaw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	infoArg, err := decodeAny(infoRaw)
	if err != nil {
		return nil, err
	}

	out, found, err := run.invoke(fn, arg, infoArg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &SandboxError{Code: ErrProtocol, Message: fmt.Sprintf("%s: %s not defined", m.name, fn)}
	}

	res := &ExecuteResult{State: readState(run.l)}
	if attrs, ok := out.(map[string]any); ok && len(attrs) > 0 {
		res.Attributes = attrs
	}
	return res, nil
}

// luaRun is one guarded interpreter. The count hook aborts the script once
// ctx is done or the instruction budget is spent, and keeps aborting on
// every later tick so nothing in the script can resume.
type luaRun struct {
	l      *lua.State
	ctx    context.Context
	budget int64
	used   int64
	halt   error
}

func (r *luaRun) hook(l *lua.State, _ lua.Debug) {
	r.used += luaHookInterval
	if r.halt == nil {
		switch {
		case r.ctx.Err() != nil:
			r.halt = r.ctx.Err()
		case r.budget > 0 && r.used > r.budget:
			r.halt = &SandboxError{
				Code:    ErrComputeTimeExhausted,
				Message: fmt.Sprintf("instruction budget of %d exhausted", r.budget),
			}
		}
	}
	if r.halt != nil {
		l.PushString(r.halt.Error())
		l.Error()
	}
}

// load prepares a guarded interpreter with state installed and the script run.
func (m *LuaModule) load(ctx context.Context, state statedump.Dump) (*luaRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run := &luaRun{l: newLuaState(), ctx: ctx, budget: m.limits.InstructionLimit}
	l := run.l
	lua.SetDebugHook(l, run.hook, lua.MaskCount, luaHookInterval)

	l.CreateTable(0, len(state))
	for _, e := range state {
		l.PushString(string(e.Value))
		l.SetField(-2, string(e.Key))
	}
	l.SetGlobal("state")

	if err := lua.LoadString(l, m.source); err != nil {
		return nil, fmt.Errorf("lua: %s: %w", m.name, err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		if run.halt != nil {
			return nil, run.halt
		}
		return nil, fmt.Errorf("lua: %s: load: %w", m.name, err)
	}
	return run, nil
}

func newLuaState() *lua.State {
	l := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	// pcall and xpcall would let a script swallow the guard's abort
	for _, name := range []string{"dofile", "loadfile", "load", "require", "collectgarbage", "pcall", "xpcall"} {
		l.PushNil()
		l.SetGlobal(name)
	}
	// math.random breaks replay determinism
	l.Global("math")
	l.PushNil()
	l.SetField(-2, "random")
	l.PushNil()
	l.SetField(-2, "randomseed")
	l.Pop(1)
	return l
}

// invoke calls global fn with args and returns its first result. found is
// false when fn is not defined.
func (r *luaRun) invoke(fn string, args ...any) (result any, found bool, err error) {
	l := r.l
	if err := r.ctx.Err(); err != nil {
		return nil, false, err
	}
	l.Global(fn)
	if !l.IsFunction(-1) {
		l.Pop(1)
		return nil, false, nil
	}
	for _, a := range args {
		pushValue(l, a)
	}
	if err := l.ProtectedCall(len(args), 1, 0); err != nil {
		if r.halt != nil {
			l.Pop(1)
			return nil, true, r.halt
		}
		return nil, true, luaRejection(l, err)
	}
	result = luaToGo(l, -1)
	l.Pop(1)
	return result, true, nil
}

func luaRejection(l *lua.State, err error) error {
	rej := &RejectionError{Message: err.Error()}
	switch l.TypeOf(-1) {
	case lua.TypeString:
		rej.Message, _ = l.ToString(-1)
	case lua.TypeTable:
		obj := tableToMap(l, -1)
		if msg, ok := obj["message"].(string); ok {
			rej.Message = msg
		}
		if cause, ok := obj["cause"]; ok {
			rej.Cause, _ = json.Marshal(cause)
		}
	}
	l.Pop(1)
	return rej
}

func readState(l *lua.State) statedump.Dump {
	l.Global("state")
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeTable {
		return statedump.Empty()
	}

	m := map[string][]byte{}
	idx := l.AbsIndex(-1)
	l.PushNil()
	for l.Next(idx) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			switch l.TypeOf(-1) {
			case lua.TypeString:
				v, _ := l.ToString(-1)
				m[key] = []byte(v)
			case lua.TypeNumber:
				n, _ := l.ToNumber(-1)
				b, _ := json.Marshal(normalizeNumber(n))
				m[key] = b
			case lua.TypeBoolean:
				m[key] = []byte(fmt.Sprint(l.ToBoolean(-1)))
			}
		}
		l.Pop(1)
	}
	return statedump.FromMap(m)
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &SandboxError{Code: ErrProtocol, Message: err.Error()}
	}
	return v, nil
}

func pushValue(l *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case float64:
		l.PushNumber(val)
	case int:
		l.PushInteger(val)
	case string:
		l.PushString(val)
	case []any:
		l.CreateTable(len(val), 0)
		for i, item := range val {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		l.CreateTable(0, len(val))
		for _, k := range keys {
			pushValue(l, val[k])
			l.SetField(-2, k)
		}
	default:
		l.PushString(fmt.Sprint(val))
	}
}

func luaToGo(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeString:
		v, _ := l.ToString(index)
		return v
	case lua.TypeNumber:
		v, _ := l.ToNumber(index)
		return normalizeNumber(v)
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(l, index)
	default:
		return nil
	}
}

func tableToGo(l *lua.State, index int) any {
	index = l.AbsIndex(index)
	isArray := true
	maxIndex, count := 0, 0
	l.PushNil()
	for l.Next(index) {
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := l.ToInteger(-2); ok && idx > 0 {
				count++
				maxIndex = max(maxIndex, idx)
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			out = append(out, luaToGo(l, -1))
			l.Pop(1)
		}
		return out
	}
	return tableToMap(l, index)
}

func tableToMap(l *lua.State, index int) map[string]any {
	out := map[string]any{}
	index = l.AbsIndex(index)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			out[key] = luaToGo(l, -1)
		}
		l.Pop(1)
	}
	return out
}

func normalizeNumber(v float64) any {
	if math.Mod(v, 1) == 0 && math.Abs(v) < 1<<53 {
		return int64(v)
	}
	return v
}
