// Package session defines the persistent lifecycle shared by every game: a
// session is created PENDING, becomes ACTIVE when play starts, and ends
// COMPLETED or CANCELLED. Terminal states never change again.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a game type.
type Kind string

const (
	KindDeathroll  Kind = "deathroll"
	KindGroupPot   Kind = "group_pot"
	KindBlackjack  Kind = "blackjack"
	KindAnimalRace Kind = "animal_race"

	// Instant house games never create sessions; their kinds only label
	// per-game statistics.
	KindSlots    Kind = "slots"
	KindRoulette Kind = "roulette"
)

var knownKinds = map[Kind]struct{}{
	KindDeathroll:  {},
	KindGroupPot:   {},
	KindBlackjack:  {},
	KindAnimalRace: {},
	KindSlots:      {},
	KindRoulette:   {},
}

// NewKind validates a game kind against the closed set.
func NewKind(raw string) (Kind, error) {
	candidate := Kind(strings.TrimSpace(raw))
	if _, ok := knownKinds[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
	return candidate, nil
}

// Status is a session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Session is one game instance.
type Session struct {
	ID               string
	Kind             Kind
	Status           Status
	CreatorID        string
	Scope            string
	Payload          []byte
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// Participant records one user's stake in a session.
type Participant struct {
	SessionID string
	Identity  string
	Bet       int64
	Result    int64
	HasResult bool
	Winner    bool
	JoinOrder int
}

// Store is the persistence contract for sessions. Transition must be
// conditional on the expected current status and fail with ErrStateConflict
// when the row has moved on, so that racing finalizers settle exactly once.
type Store interface {
	CreatePending(ctx context.Context, pending Session) (Session, error)
	Get(ctx context.Context, sessionID string) (Session, error)
	Transition(ctx context.Context, sessionID string, from Status, to Status, completedUnixUTC int64) error
	SavePayload(ctx context.Context, sessionID string, payload []byte) error
	AddParticipant(ctx context.Context, participant Participant) error
	RemoveParticipant(ctx context.Context, sessionID string, identity string) error
	SetParticipantResult(ctx context.Context, sessionID string, identity string, result int64, winner bool) error
	Participants(ctx context.Context, sessionID string) ([]Participant, error)
	FindActiveByScope(ctx context.Context, kind Kind, scope string) (Session, error)
	FindActiveForUser(ctx context.Context, identity string) (Session, error)
}

// EncodePayload serializes game state for storage in a session row.
func EncodePayload(state any) ([]byte, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return encoded, nil
}

// DecodePayload deserializes game state from a session row.
func DecodePayload(payload []byte, state any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
