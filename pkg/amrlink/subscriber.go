package amrlink

import "context"

// PushSubscriber is a consumer-registered sink for frames arriving on
// the push connection. Frames are delivered in arrival order, one
// subscriber at a time, from a goroutine owned by the subscription.
// A subscriber that cannot keep up loses frames according to the
// listener's overflow policy; it never slows the read loop or other
// subscribers down.
type PushSubscriber interface {
	// OnPush delivers one decoded frame's command code and payload. The
	// payload slice is shared with other subscribers and must be treated
	// as read-only; copy it before mutating or retaining it.
	OnPush(ctx context.Context, code uint16, payload []byte) error

	// OnStreamEnd reports that the push stream terminated. A nil error
	// means a deliberate close; otherwise it describes the connection
	// loss. The subscription itself stays registered, so delivery
	// resumes if the listener is reconnected.
	OnStreamEnd(err error)
}

// BasePushSubscriber provides no-op implementations of PushSubscriber,
// for embedding by subscribers that only care about some callbacks.
type BasePushSubscriber struct{}

func (BasePushSubscriber) OnPush(ctx context.Context, code uint16, payload []byte) error {
	return nil
}

func (BasePushSubscriber) OnStreamEnd(err error) {}
