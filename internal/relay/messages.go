package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Event names mirror the wire protocol. Negotiation payloads are passed
// through opaquely; only the routing fields are interpreted here.
type Event string

const (
	EventAuth          Event = "auth"
	EventLogin         Event = "login"
	EventStoreToken    Event = "store-fcm-token"
	EventOffer         Event = "offer"
	EventAnswer        Event = "answer"
	EventICECandidate  Event = "ice-candidate"
	EventEndCall       Event = "end-call"
	EventGetICEServers Event = "get-ice-servers"

	// Outbound-only events.
	EventICEServers Event = "ice-servers"
	EventUserList   Event = "update-user-list"
)

// Message is one parsed inbound signaling event. Fields keeps the raw
// payload (minus the event tag) so kind-specific fields survive relaying
// untouched.
type Message struct {
	Event  Event
	Fields map[string]json.RawMessage
}

func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}

	eventRaw, ok := raw["event"]
	if !ok {
		return Message{}, fmt.Errorf("message missing event")
	}
	var event string
	if err := json.Unmarshal(eventRaw, &event); err != nil {
		return Message{}, fmt.Errorf("event must be a string")
	}
	if event == "" {
		return Message{}, fmt.Errorf("message missing event")
	}
	delete(raw, "event")

	return Message{Event: Event(event), Fields: raw}, nil
}

// Str decodes a string-valued field; absent or non-string fields yield "".
func (m Message) Str(key string) string {
	raw, ok := m.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Target is the recipient username for relayed negotiation events.
func (m Message) Target() string { return m.Str("target") }

// IsSignal reports whether the event is a negotiation kind routed between
// identities.
func (m Message) IsSignal() bool {
	switch m.Event {
	case EventOffer, EventAnswer, EventICECandidate, EventEndCall:
		return true
	default:
		return false
	}
}

// Outbound builds the unicast forward of this message: the inbound payload
// with the event tag restored and sender stamped by the server. A
// client-supplied sender field is discarded. For ice-candidate the payload is
// the candidate object's own fields, matching what recipients expect to feed
// their ICE agent directly.
func (m Message) Outbound(sender string) map[string]json.RawMessage {
	base := m.Fields
	if m.Event == EventICECandidate {
		if flat, ok := objectFields(m.Fields["candidate"]); ok {
			base = flat
		}
	}

	out := make(map[string]json.RawMessage, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["event"] = mustJSONString(string(m.Event))
	out["sender"] = mustJSONString(sender)
	return out
}

// Description returns the negotiation description as a flat string: string
// payloads are returned as-is, structured payloads are serialized to their
// compact JSON form.
func (m Message) Description() string {
	raw, ok := m.Fields["sdp"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// DescriptionType is the negotiation description's own type tag, defaulting
// to "offer" when absent.
func (m Message) DescriptionType() string {
	if t := m.Str("type"); t != "" {
		return t
	}
	return "offer"
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func mustJSONString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail.
		panic(err)
	}
	return b
}
