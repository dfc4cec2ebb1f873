package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anytalk/signaling/internal/push"
	"github.com/anytalk/signaling/internal/registry"
)

type fakePeer struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (p *fakePeer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, v)
	return nil
}

func (p *fakePeer) messages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []any
}

func (b *fakeBroadcaster) Broadcast(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, v)
}

func (b *fakeBroadcaster) last(t *testing.T) PresenceList {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		t.Fatalf("no broadcast sent")
	}
	list, ok := b.events[len(b.events)-1].(PresenceList)
	if !ok {
		t.Fatalf("broadcast type %T, want PresenceList", b.events[len(b.events)-1])
	}
	return list
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// fakeNotifier hands each wake over a channel so tests can await the relay's
// asynchronous send.
type fakeNotifier struct {
	wakes chan push.Wake
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{wakes: make(chan push.Wake, 8)}
}

func (n *fakeNotifier) SendWake(_ context.Context, w push.Wake) error {
	n.wakes <- w
	return nil
}

func (n *fakeNotifier) await(t *testing.T) push.Wake {
	t.Helper()
	select {
	case w := <-n.wakes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for wake notification")
		return push.Wake{}
	}
}

func (n *fakeNotifier) assertNone(t *testing.T) {
	t.Helper()
	select {
	case w := <-n.wakes:
		t.Fatalf("unexpected wake notification: %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T) (*Relay, *registry.Registry, *fakeBroadcaster, *fakeNotifier) {
	t.Helper()
	reg := registry.New()
	bc := &fakeBroadcaster{}
	n := newFakeNotifier()
	return New(discardLogger(), reg, bc, n, time.Second), reg, bc, n
}

func signal(t *testing.T, raw string) Message {
	t.Helper()
	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	return msg
}

func fieldString(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		t.Fatalf("field %q = %s: %v", key, fields[key], err)
	}
	return s
}

func TestLoginBroadcastsPresence(t *testing.T) {
	rel, _, bc, _ := newTestRelay(t)

	rel.Login(&fakePeer{}, "alice")
	rel.Login(&fakePeer{}, "bob")

	list := bc.last(t)
	if list.Event != EventUserList {
		t.Fatalf("event=%q, want %q", list.Event, EventUserList)
	}
	want := []registry.Entry{
		{Username: "alice", Online: true},
		{Username: "bob", Online: true},
	}
	if len(list.Users) != len(want) {
		t.Fatalf("users=%+v, want %+v", list.Users, want)
	}
	for i := range want {
		if list.Users[i] != want[i] {
			t.Fatalf("users[%d]=%+v, want %+v", i, list.Users[i], want[i])
		}
	}
}

func TestDisconnectBroadcastsOfflineEntry(t *testing.T) {
	rel, _, bc, _ := newTestRelay(t)

	rel.Login(&fakePeer{}, "alice")
	rel.Disconnect("alice")

	list := bc.last(t)
	if len(list.Users) != 1 || list.Users[0] != (registry.Entry{Username: "alice", Online: false}) {
		t.Fatalf("users=%+v, want alice offline", list.Users)
	}
}

func TestDisconnectNeverRegisteredIsNoOp(t *testing.T) {
	rel, _, bc, _ := newTestRelay(t)

	rel.Disconnect("")

	if bc.count() != 0 {
		t.Fatalf("broadcasts=%d, want 0 for a connection that never registered", bc.count())
	}
}

func TestOfferDualPathDelivery(t *testing.T) {
	rel, reg, _, n := newTestRelay(t)

	bob := &fakePeer{}
	rel.Login(&fakePeer{}, "alice")
	rel.Login(bob, "bob")
	reg.StoreToken("bob", "device-token")

	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"bob","sdp":"v=0","type":"offer"}`))

	msgs := bob.messages()
	if len(msgs) != 1 {
		t.Fatalf("live deliveries=%d, want 1", len(msgs))
	}
	fields, ok := msgs[0].(map[string]json.RawMessage)
	if !ok {
		t.Fatalf("live payload type %T", msgs[0])
	}
	if got := fieldString(t, fields, "sender"); got != "alice" {
		t.Fatalf("live sender=%q, want alice", got)
	}

	wake := n.await(t)
	if wake.DeviceToken != "device-token" {
		t.Fatalf("wake token=%q", wake.DeviceToken)
	}
	if wake.Sender != "alice" || wake.Target != "bob" {
		t.Fatalf("wake sender/target=%q/%q", wake.Sender, wake.Target)
	}
	if wake.Description != "v=0" || wake.DescriptionType != "offer" {
		t.Fatalf("wake description=%q type=%q", wake.Description, wake.DescriptionType)
	}
	if _, err := uuid.Parse(wake.CallID); err != nil {
		t.Fatalf("call ID %q is not a valid UUID: %v", wake.CallID, err)
	}
}

func TestEachOfferGetsDistinctCallID(t *testing.T) {
	rel, reg, _, n := newTestRelay(t)

	rel.Login(&fakePeer{}, "bob")
	reg.StoreToken("bob", "device-token")

	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"bob","sdp":"v=0"}`))
	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"bob","sdp":"v=0"}`))

	first := n.await(t)
	second := n.await(t)
	if first.CallID == second.CallID {
		t.Fatalf("call IDs must differ per offer, both %q", first.CallID)
	}
}

func TestOfferToOfflineTargetWithTokenStillWakes(t *testing.T) {
	rel, reg, _, n := newTestRelay(t)

	rel.Login(&fakePeer{}, "bob")
	reg.StoreToken("bob", "device-token")
	rel.Disconnect("bob")

	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"bob","sdp":"v=0"}`))

	wake := n.await(t)
	if wake.Target != "bob" {
		t.Fatalf("wake target=%q", wake.Target)
	}
}

func TestOfferToOfflineTargetWithoutTokenIsDropped(t *testing.T) {
	rel, _, _, n := newTestRelay(t)

	rel.Login(&fakePeer{}, "bob")
	rel.Disconnect("bob")

	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"bob","sdp":"v=0"}`))

	n.assertNone(t)
}

func TestOfferToUnknownTargetIsDropped(t *testing.T) {
	rel, _, _, n := newTestRelay(t)

	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"nobody","sdp":"v=0"}`))

	n.assertNone(t)
}

func TestNonOfferSignalsNeverWake(t *testing.T) {
	for _, ev := range []string{"answer", "ice-candidate", "end-call"} {
		t.Run(ev, func(t *testing.T) {
			rel, reg, _, n := newTestRelay(t)

			bob := &fakePeer{}
			rel.Login(bob, "bob")
			reg.StoreToken("bob", "device-token")

			rel.HandleSignal("alice", signal(t, `{"event":"`+ev+`","target":"bob","candidate":"c"}`))

			if len(bob.messages()) != 1 {
				t.Fatalf("live deliveries=%d, want 1", len(bob.messages()))
			}
			n.assertNone(t)
		})
	}
}

func TestClientSuppliedSenderOverwritten(t *testing.T) {
	rel, _, _, _ := newTestRelay(t)

	bob := &fakePeer{}
	rel.Login(bob, "bob")

	rel.HandleSignal("alice", signal(t, `{"event":"end-call","target":"bob","sender":"mallory"}`))

	msgs := bob.messages()
	if len(msgs) != 1 {
		t.Fatalf("live deliveries=%d, want 1", len(msgs))
	}
	fields := msgs[0].(map[string]json.RawMessage)
	if got := fieldString(t, fields, "sender"); got != "alice" {
		t.Fatalf("sender=%q, want the server-side binding", got)
	}
}

func TestLiveSendFailureDoesNotBlockWake(t *testing.T) {
	rel, reg, _, n := newTestRelay(t)

	rel.Login(&fakePeer{err: io.ErrClosedPipe}, "bob")
	reg.StoreToken("bob", "device-token")

	rel.HandleSignal("alice", signal(t, `{"event":"offer","target":"bob","sdp":"v=0"}`))

	wake := n.await(t)
	if wake.Target != "bob" {
		t.Fatalf("wake target=%q", wake.Target)
	}
}

func TestWakeSenderDefaultsWhenUnbound(t *testing.T) {
	rel, reg, _, n := newTestRelay(t)

	rel.Login(&fakePeer{}, "bob")
	reg.StoreToken("bob", "device-token")

	rel.HandleSignal("", signal(t, `{"event":"offer","target":"bob","sdp":"v=0"}`))

	if wake := n.await(t); wake.Sender != "Unknown" {
		t.Fatalf("wake sender=%q, want Unknown", wake.Sender)
	}
}

func TestReLoginReplacesConnection(t *testing.T) {
	rel, _, _, _ := newTestRelay(t)

	old := &fakePeer{}
	fresh := &fakePeer{}
	rel.Login(old, "bob")
	rel.Login(fresh, "bob")

	rel.HandleSignal("alice", signal(t, `{"event":"end-call","target":"bob"}`))

	if len(old.messages()) != 0 {
		t.Fatalf("stale connection received %d messages", len(old.messages()))
	}
	if len(fresh.messages()) != 1 {
		t.Fatalf("fresh connection deliveries=%d, want 1", len(fresh.messages()))
	}
}
