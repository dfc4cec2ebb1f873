// Package relay routes negotiation messages between registered identities.
//
// Offers get dual-path delivery: a live send over the target's connection
// when it is online, and an out-of-band wake notification whenever the
// target has a stored push token. The wake is not a fallback, since a live
// socket delivery does not wake a backgrounded device; both paths run
// independently. All other kinds are live-only.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anytalk/signaling/internal/push"
	"github.com/anytalk/signaling/internal/registry"
)

// Broadcaster delivers a message to every connected party.
type Broadcaster interface {
	Broadcast(v any)
}

// PresenceList is the full-state presence broadcast sent on every
// registration and disconnect.
type PresenceList struct {
	Event Event            `json:"event"`
	Users []registry.Entry `json:"users"`
}

type Relay struct {
	log      *slog.Logger
	reg      *registry.Registry
	gateway  Broadcaster
	notifier push.Notifier

	pushTimeout time.Duration

	// newCallID generates the per-offer wake correlation ID. Overridable in
	// tests; defaults to a random UUID in canonical textual form.
	newCallID func() string
}

func New(logger *slog.Logger, reg *registry.Registry, gateway Broadcaster, notifier push.Notifier, pushTimeout time.Duration) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = push.Disabled{}
	}
	return &Relay{
		log:         logger,
		reg:         reg,
		gateway:     gateway,
		notifier:    notifier,
		pushTimeout: pushTimeout,
		newCallID:   uuid.NewString,
	}
}

// Login binds conn to username, creating the identity if needed, and
// broadcasts the updated presence list.
func (r *Relay) Login(conn registry.Peer, username string) {
	r.reg.Register(username, conn)
	r.log.Info("user registered", "username", username)
	r.broadcastPresence()
}

// StoreToken records the push token for the identity bound to the calling
// connection. A connection that has not logged in yet has no identity, so
// the call is a no-op.
func (r *Relay) StoreToken(username, token string) {
	if username == "" {
		return
	}
	r.reg.StoreToken(username, token)
	r.log.Debug("stored push token", "username", username)
}

// Disconnect marks username offline and broadcasts presence. A connection
// that never registered passes username "" and the call is a pure no-op
// with no side effects.
func (r *Relay) Disconnect(username string) {
	if username == "" {
		return
	}
	r.reg.Disconnect(username)
	r.log.Info("user disconnected", "username", username)
	r.broadcastPresence()
}

// HandleSignal routes one negotiation message from the identity bound to the
// calling connection. The sender is the relay's own record of that binding;
// any sender field inside the payload is discarded. Unknown targets are
// dropped without surfacing an error to the caller.
func (r *Relay) HandleSignal(sender string, msg Message) {
	if !msg.IsSignal() {
		return
	}

	target := msg.Target()
	rec, ok := r.reg.Lookup(target)
	if !ok {
		r.log.Debug("relay target unknown, dropping", "event", string(msg.Event), "target", target)
		return
	}

	// The registry lock is not held here, so the online state may change
	// between this decision and the send. Delivery is best effort.
	if rec.Online && rec.Conn != nil {
		if err := rec.Conn.Send(msg.Outbound(sender)); err != nil {
			r.log.Warn("live delivery failed",
				"event", string(msg.Event),
				"target", target,
				"err", err,
			)
		}
	}

	// Push wake-up is reserved for session initiation; answers, candidates
	// and hangups are meaningless to a device with no active signaling
	// connection.
	if msg.Event == EventOffer && rec.PushToken != "" {
		r.sendWake(sender, target, rec.PushToken, msg)
	}
}

func (r *Relay) sendWake(sender, target, deviceToken string, msg Message) {
	callID := r.newCallID()

	wakeSender := sender
	if wakeSender == "" {
		wakeSender = "Unknown"
	}
	wake := push.Wake{
		DeviceToken:     deviceToken,
		CallID:          callID,
		Sender:          wakeSender,
		Target:          target,
		Description:     msg.Description(),
		DescriptionType: msg.DescriptionType(),
		Kind:            string(EventOffer),
	}

	r.log.Info("sending wake notification", "target", target, "call_id", callID)

	// Fire and forget: delivery failures are logged here and never affect the
	// live path or the caller.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.pushTimeout)
		defer cancel()
		if err := r.notifier.SendWake(ctx, wake); err != nil {
			r.log.Error("wake notification failed", "target", target, "call_id", callID, "err", err)
		}
	}()
}

func (r *Relay) broadcastPresence() {
	r.gateway.Broadcast(PresenceList{
		Event: EventUserList,
		Users: r.reg.Snapshot(),
	})
}
