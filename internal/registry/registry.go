// Package registry is the in-memory presence store. It maps a persistent
// username to its current live connection and push token.
//
// Records are created on first registration and never deleted; they outlive
// any individual connection so push tokens survive offline periods.
package registry

import "sync"

// Peer is a non-owning handle to a live connection. The registry never
// closes or otherwise manages the underlying connection.
type Peer interface {
	Send(v any) error
}

// Record is a point-in-time copy of an identity's state.
type Record struct {
	Username  string
	Conn      Peer
	PushToken string
	Online    bool
}

// Entry is one element of a presence snapshot.
type Entry struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type record struct {
	conn      Peer
	pushToken string
	online    bool
}

// Registry is safe for concurrent use. The lock is never held across calls
// into peers or external services; callers read a decision out and act on it
// afterwards.
type Registry struct {
	mu    sync.Mutex
	users map[string]*record
	order []string // usernames in first-registration order
}

func New() *Registry {
	return &Registry{
		users: make(map[string]*record),
	}
}

// Register binds conn to username, creating the identity on first sight.
// A pre-existing record keeps its push token; a pre-existing live connection
// for the same username is replaced, not stacked.
func (r *Registry) Register(username string, conn Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[username]
	if !ok {
		rec = &record{}
		r.users[username] = rec
		r.order = append(r.order, username)
	}
	rec.conn = conn
	rec.online = true
}

// StoreToken overwrites the push token for an existing identity. Unknown
// usernames (including "") are a no-op, not an error.
func (r *Registry) StoreToken(username, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.users[username]; ok {
		rec.pushToken = token
	}
}

// Disconnect marks username offline and drops the connection handle. The
// push token is left untouched. Unknown usernames are a no-op.
func (r *Registry) Disconnect(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.users[username]; ok {
		rec.conn = nil
		rec.online = false
	}
}

// Lookup returns a copy of the identity's current state.
func (r *Registry) Lookup(username string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[username]
	if !ok {
		return Record{}, false
	}
	return Record{
		Username:  username,
		Conn:      rec.conn,
		PushToken: rec.pushToken,
		Online:    rec.online,
	}, true
}

// Snapshot returns every known identity with its online flag, in
// first-registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.order))
	for _, username := range r.order {
		out = append(out, Entry{
			Username: username,
			Online:   r.users[username].online,
		})
	}
	return out
}
