package pushutil

import (
	"context"

	"github.com/amrlink/amrlink/pkg/amrlink"
)

// FuncSubscriber adapts a bare function to the PushSubscriber
// interface, for callers that only want the payload stream.
type FuncSubscriber struct {
	amrlink.BasePushSubscriber
	fn func(ctx context.Context, code uint16, payload []byte) error
}

// NewFuncSubscriber wraps fn as a PushSubscriber. A nil fn yields a
// subscriber that discards everything.
func NewFuncSubscriber(fn func(ctx context.Context, code uint16, payload []byte) error) *FuncSubscriber {
	return &FuncSubscriber{fn: fn}
}

func (f *FuncSubscriber) OnPush(ctx context.Context, code uint16, payload []byte) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, code, payload)
}
