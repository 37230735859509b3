// Package session holds the per-user conversation state machine and its
// durable store. The store is the single source of truth for what state a
// user is in; no component caches a session beyond one transition.
package session

import "context"

// State identifies where a user is in the conversation flow.
type State string

const (
	StateStart         State = "start"
	StateChoosing      State = "choosing"
	StateAwaitingImage State = "awaiting_image"
	StateAwaitingText  State = "awaiting_text"
	StateProcessing    State = "processing"
	StateError         State = "error"
)

// ParseState maps a stored value onto the closed state set. Unknown or
// legacy values collapse to StateStart so an expired or corrupted session
// restarts the flow instead of wedging it.
func ParseState(v string) State {
	switch State(v) {
	case StateStart, StateChoosing, StateAwaitingImage, StateAwaitingText, StateProcessing, StateError:
		return State(v)
	default:
		return StateStart
	}
}

// Store is the durable, expiring session mapping keyed by user identity.
type Store interface {
	// Get returns the user's current state, lazily initializing a missing
	// session to StateStart (and persisting that initialization).
	Get(ctx context.Context, user string) (State, error)
	// Set writes the state with the given TTL in seconds; ttl <= 0 applies
	// the store's default idle TTL.
	Set(ctx context.Context, user string, state State, ttlSeconds int) error
	// Delete removes the session entirely; the next Get re-initializes it.
	Delete(ctx context.Context, user string) error
}
