package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// Module is a loaded ownable program. Call takes one encoded Request and
// returns one encoded Response. Implementations must not keep state between
// calls: everything the module knows arrives in the request.
type Module interface {
	Call(ctx context.Context, request []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Handler is the Go-side shape of an ownable program.
type Handler interface {
	Init(ctx context.Context, msg json.RawMessage, info MessageInfo) (*ExecuteResult, error)
	Execute(ctx context.Context, msg json.RawMessage, info MessageInfo, state statedump.Dump) (*ExecuteResult, error)
	Query(ctx context.Context, msg json.RawMessage, state statedump.Dump) (json.RawMessage, error)
	Refresh(ctx context.Context, state statedump.Dump) error
}

// Serve decodes request, dispatches it to h and encodes the response.
// Handler errors become rejection responses unless ctx is done.
func Serve(ctx context.Context, h Handler, request []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, &SandboxError{Code: ErrProtocol, Message: err.Error()}
	}

	result, err := dispatch(ctx, h, &req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var sbErr *SandboxError
		if errors.As(err, &sbErr) {
			return nil, err
		}
		resp := Response{OwnableID: req.OwnableID, Error: err.Error()}
		var rej *RejectionError
		if errors.As(err, &rej) {
			resp.Error = rej.Message
			resp.Cause = rej.Cause
		}
		return json.Marshal(resp)
	}
	return json.Marshal(Response{OwnableID: req.OwnableID, Result: result})
}

func dispatch(ctx context.Context, h Handler, req *Request) (json.RawMessage, error) {
	arg := func(i int) json.RawMessage {
		if i < len(req.Args) {
			return req.Args[i]
		}
		return nil
	}
	info := func(i int) (MessageInfo, error) {
		var mi MessageInfo
		if raw := arg(i); len(raw) > 0 {
			if err := json.Unmarshal(raw, &mi); err != nil {
				return mi, &SandboxError{Code: ErrProtocol, Message: fmt.Sprintf("info: %v", err)}
			}
		}
		return mi, nil
	}
	dump := func(i int) (statedump.Dump, error) {
		d, err := statedump.Decode(arg(i))
		if err != nil {
			return nil, &SandboxError{Code: ErrProtocol, Message: err.Error()}
		}
		return d, nil
	}

	switch req.Method {
	case MethodInit:
		mi, err := info(1)
		if err != nil {
			return nil, err
		}
		res, err := h.Init(ctx, arg(0), mi)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case MethodExecute:
		mi, err := info(1)
		if err != nil {
			return nil, err
		}
		state, err := dump(2)
		if err != nil {
			return nil, err
		}
		res, err := h.Execute(ctx, arg(0), mi, state)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case MethodQuery:
		state, err := dump(1)
		if err != nil {
			return nil, err
		}
		return h.Query(ctx, arg(0), state)
	case MethodRefresh:
		state, err := dump(0)
		if err != nil {
			return nil, err
		}
		if err := h.Refresh(ctx, state); err != nil {
			return nil, err
		}
		return json.RawMessage("null"), nil
	default:
		return nil, &SandboxError{Code: ErrProtocol, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

// InProcessModule runs a Go Handler in the host process. It gives no
// isolation and is meant for built-in packages and tests.
type InProcessModule struct {
	handler Handler
}

// NewInProcessModule wraps h as a Module.
func NewInProcessModule(h Handler) *InProcessModule {
	return &InProcessModule{handler: h}
}

func (m *InProcessModule) Call(ctx context.Context, request []byte) ([]byte, error) {
	return Serve(ctx, m.handler, request)
}

func (m *InProcessModule) Close(_ context.Context) error { return nil }
