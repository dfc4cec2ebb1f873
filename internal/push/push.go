// Package push delivers out-of-band wake notifications so a recipient whose
// device is backgrounded or disconnected can surface an incoming call and
// reconnect.
package push

import "context"

// Wake describes one incoming-call wake-up. CallID correlates the receiving
// device's call UI session and must be unique per offer.
type Wake struct {
	DeviceToken string
	CallID      string
	Sender      string
	Target      string

	// Description is the serialized negotiation description. Structured
	// descriptions are flattened to a string before delivery because the
	// notification transport only carries flat string fields.
	Description string

	// DescriptionType is the negotiation description's own type tag
	// (usually "offer").
	DescriptionType string

	Kind string
}

type Notifier interface {
	SendWake(ctx context.Context, w Wake) error
}

// Disabled is the notifier used when no push provider credentials are
// available at startup. The whole notification path degrades to a no-op for
// the process lifetime; live relaying is unaffected.
type Disabled struct{}

func (Disabled) SendWake(context.Context, Wake) error { return nil }
