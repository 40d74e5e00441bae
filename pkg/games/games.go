// Package games holds the pieces shared by every game engine: the dice
// source, the engine contract used by the timeout scheduler, and the bet
// validation errors common to all games.
package games

import (
	"context"
	"errors"
	"math/rand"

	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// Domain-level error values shared across game engines.
var (
	ErrInvalidBet     = errors.New("invalid bet")
	ErrNotParticipant = errors.New("not a participant")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrActionTimeout  = errors.New("action timed out")
)

// Dice produces uniform random integers. Engines depend on this interface
// so tests can script every roll.
type Dice interface {
	// Roll returns a uniform value in [1, upper]. Roll(1) always returns 1.
	Roll(upper int) int
}

// SystemDice draws from the shared math/rand source.
type SystemDice struct{}

// Roll implements Dice.
func (SystemDice) Roll(upper int) int {
	if upper <= 1 {
		return 1
	}
	return rand.Intn(upper) + 1
}

// Engine is one game's state machine. The timeout scheduler only needs the
// kind and a deadline handler; engines expose their own command methods.
type Engine interface {
	Kind() session.Kind
	// HandleTimeout fires when a session deadline passes. Handlers must
	// re-check the session state and treat terminal sessions as a no-op.
	HandleTimeout(ctx context.Context, sessionID string) error
}
