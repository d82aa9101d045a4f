package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps notification recipients to MCP session ids.
// A client becomes a recipient by passing "recipient" to any tool call.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // recipient → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a recipient with a session id, replacing any older
// session (reconnect).
func (r *SessionRegistry) Register(recipient, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[recipient] = sessionID
}

// SessionFor returns the session id of a connected recipient.
func (r *SessionRegistry) SessionFor(recipient string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[recipient]
	return sid, ok
}

// Remove forgets every recipient bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rcpt, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, rcpt)
		}
	}
}

// Recipients lists the connected recipients, sorted.
func (r *SessionRegistry) Recipients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for rcpt := range r.sessions {
		out = append(out, rcpt)
	}
	sort.Strings(out)
	return out
}
