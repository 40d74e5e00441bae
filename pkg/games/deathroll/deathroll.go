// Package deathroll implements the two-player deathroll duel. Players
// alternate rolls starting at a ceiling equal to the bet; each roll lowers
// the ceiling to the rolled value, and rolling a 1 loses the duel.
package deathroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// AcceptWindow is how long a challenge stays open before it expires.
const AcceptWindow = 60 * time.Second

// ErrSelfChallenge reports a user challenging themselves.
var ErrSelfChallenge = errors.New("cannot challenge yourself")

// ErrNotChallenged reports an accept or decline by someone other than the
// challenged opponent.
var ErrNotChallenged = errors.New("not the challenged opponent")

type payload struct {
	Bet             int64  `json:"bet"`
	ChallengerID    string `json:"challenger_id"`
	OpponentID      string `json:"opponent_id"`
	Ceiling         int    `json:"ceiling"`
	DeadlineUnixUTC int64  `json:"deadline_unix_utc"`
}

// Roll is one recorded throw in a resolved duel.
type Roll struct {
	Identity string
	Ceiling  int
	Value    int
}

// Outcome describes a settled duel.
type Outcome struct {
	SessionID string
	WinnerID  string
	LoserID   string
	Bet       int64
	Rolls     []Roll
	Winner    ledger.User
	Loser     ledger.User
}

// Engine runs deathroll duels. Callers must hold the user locks of both
// players for the duration of any engine call.
type Engine struct {
	ledger   *ledger.Service
	sessions session.Store
	dice     games.Dice
	nowFn    func() int64
}

// New wires an Engine.
func New(ledgerService *ledger.Service, sessionStore session.Store, dice games.Dice, now func() int64) *Engine {
	return &Engine{ledger: ledgerService, sessions: sessionStore, dice: dice, nowFn: now}
}

// Kind implements games.Engine.
func (engine *Engine) Kind() session.Kind {
	return session.KindDeathroll
}

// Challenge opens a pending duel between two registered users.
func (engine *Engine) Challenge(ctx context.Context, challengerID ledger.UserID, opponentID ledger.UserID, bet ledger.Amount, scope string) (session.Session, error) {
	if challengerID.String() == opponentID.String() {
		return session.Session{}, ErrSelfChallenge
	}
	if bet <= 0 {
		return session.Session{}, fmt.Errorf("%w: bet must be positive", games.ErrInvalidBet)
	}
	challenger, err := engine.ledger.Balance(ctx, challengerID)
	if err != nil {
		return session.Session{}, err
	}
	opponent, err := engine.ledger.Balance(ctx, opponentID)
	if err != nil {
		return session.Session{}, err
	}
	if challenger.Balance < bet || opponent.Balance < bet {
		return session.Session{}, ledger.ErrInsufficientFunds
	}
	for _, identity := range []string{challengerID.String(), opponentID.String()} {
		if _, err := engine.sessions.FindActiveForUser(ctx, identity); err == nil {
			return session.Session{}, session.ErrAlreadyActive
		} else if !errors.Is(err, session.ErrNoActiveSession) {
			return session.Session{}, err
		}
	}
	nowUnixUTC := engine.nowFn()
	encoded, err := session.EncodePayload(payload{
		Bet:             bet.Int64(),
		ChallengerID:    challengerID.String(),
		OpponentID:      opponentID.String(),
		Ceiling:         int(bet.Int64()),
		DeadlineUnixUTC: nowUnixUTC + int64(AcceptWindow/time.Second),
	})
	if err != nil {
		return session.Session{}, err
	}
	pending, err := engine.sessions.CreatePending(ctx, session.Session{
		Kind:           session.KindDeathroll,
		CreatorID:      challengerID.String(),
		Scope:          scope,
		Payload:        encoded,
		CreatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		return session.Session{}, err
	}
	for _, identity := range []string{challengerID.String(), opponentID.String()} {
		if err := engine.sessions.AddParticipant(ctx, session.Participant{
			SessionID: pending.ID,
			Identity:  identity,
			Bet:       bet.Int64(),
		}); err != nil {
			return session.Session{}, err
		}
	}
	return pending, nil
}

// Accept resolves a pending duel end to end: activation, rolling, and a
// single atomic settlement of the net bet.
func (engine *Engine) Accept(ctx context.Context, opponentID ledger.UserID, scope string) (Outcome, error) {
	pending, state, err := engine.pendingDuel(ctx, scope)
	if err != nil {
		return Outcome{}, err
	}
	if state.OpponentID != opponentID.String() {
		return Outcome{}, ErrNotChallenged
	}
	nowUnixUTC := engine.nowFn()
	if nowUnixUTC > state.DeadlineUnixUTC {
		if err := engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusCancelled, nowUnixUTC); err != nil && !errors.Is(err, session.ErrStateConflict) {
			return Outcome{}, err
		}
		return Outcome{}, games.ErrActionTimeout
	}
	if err := engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusActive, 0); err != nil {
		return Outcome{}, err
	}
	challengerID, err := ledger.NewUserID(state.ChallengerID)
	if err != nil {
		return Outcome{}, err
	}
	challenger, err := engine.ledger.Balance(ctx, challengerID)
	if err != nil {
		return Outcome{}, err
	}
	opponent, err := engine.ledger.Balance(ctx, opponentID)
	if err != nil {
		return Outcome{}, err
	}
	if challenger.Balance < ledger.Amount(state.Bet) || opponent.Balance < ledger.Amount(state.Bet) {
		if err := engine.sessions.Transition(ctx, pending.ID, session.StatusActive, session.StatusCancelled, engine.nowFn()); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, ledger.ErrInsufficientFunds
	}

	winnerIdentity, loserIdentity, rolls := engine.playOut(state)
	winnerID, err := ledger.NewUserID(winnerIdentity)
	if err != nil {
		return Outcome{}, err
	}
	loserID, err := ledger.NewUserID(loserIdentity)
	if err != nil {
		return Outcome{}, err
	}
	updated, err := engine.ledger.Settle(ctx, pending.ID,
		ledger.Leg{UserID: loserID, Amount: -ledger.Amount(state.Bet), Reason: ledger.ReasonDuelLoss},
		ledger.Leg{UserID: winnerID, Amount: ledger.Amount(state.Bet), Reason: ledger.ReasonDuelWin},
	)
	if err != nil {
		return Outcome{}, err
	}
	if err := engine.sessions.SetParticipantResult(ctx, pending.ID, winnerIdentity, state.Bet, true); err != nil {
		return Outcome{}, err
	}
	if err := engine.sessions.SetParticipantResult(ctx, pending.ID, loserIdentity, -state.Bet, false); err != nil {
		return Outcome{}, err
	}
	if err := engine.sessions.Transition(ctx, pending.ID, session.StatusActive, session.StatusCompleted, engine.nowFn()); err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{
		SessionID: pending.ID,
		WinnerID:  winnerIdentity,
		LoserID:   loserIdentity,
		Bet:       state.Bet,
		Rolls:     rolls,
	}
	for _, user := range updated {
		switch user.Identity {
		case winnerIdentity:
			outcome.Winner = user
		case loserIdentity:
			outcome.Loser = user
		}
	}
	return outcome, nil
}

// Decline cancels a pending duel on behalf of the challenged opponent.
func (engine *Engine) Decline(ctx context.Context, opponentID ledger.UserID, scope string) error {
	pending, state, err := engine.pendingDuel(ctx, scope)
	if err != nil {
		return err
	}
	if state.OpponentID != opponentID.String() {
		return ErrNotChallenged
	}
	return engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusCancelled, engine.nowFn())
}

// Cancel withdraws a pending duel on behalf of the challenger.
func (engine *Engine) Cancel(ctx context.Context, challengerID ledger.UserID, scope string) error {
	pending, state, err := engine.pendingDuel(ctx, scope)
	if err != nil {
		return err
	}
	if state.ChallengerID != challengerID.String() {
		return games.ErrNotParticipant
	}
	return engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusCancelled, engine.nowFn())
}

// HandleTimeout implements games.Engine by expiring an unaccepted challenge.
func (engine *Engine) HandleTimeout(ctx context.Context, sessionID string) error {
	stored, err := engine.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if stored.Status != session.StatusPending {
		return nil
	}
	err = engine.sessions.Transition(ctx, sessionID, session.StatusPending, session.StatusCancelled, engine.nowFn())
	if errors.Is(err, session.ErrStateConflict) {
		return nil
	}
	return err
}

func (engine *Engine) pendingDuel(ctx context.Context, scope string) (session.Session, payload, error) {
	pending, err := engine.sessions.FindActiveByScope(ctx, session.KindDeathroll, scope)
	if err != nil {
		return session.Session{}, payload{}, err
	}
	if pending.Status != session.StatusPending {
		return session.Session{}, payload{}, session.ErrStateConflict
	}
	var state payload
	if err := session.DecodePayload(pending.Payload, &state); err != nil {
		return session.Session{}, payload{}, err
	}
	return pending, state, nil
}

// playOut alternates rolls until someone throws a 1. The challenger rolls
// first. A ceiling of 1 forces the losing roll.
func (engine *Engine) playOut(state payload) (winnerIdentity string, loserIdentity string, rolls []Roll) {
	order := []string{state.ChallengerID, state.OpponentID}
	ceiling := state.Ceiling
	turn := 0
	for {
		roller := order[turn%2]
		value := engine.dice.Roll(ceiling)
		rolls = append(rolls, Roll{Identity: roller, Ceiling: ceiling, Value: value})
		if value == 1 {
			loserIdentity = roller
			winnerIdentity = order[(turn+1)%2]
			return winnerIdentity, loserIdentity, rolls
		}
		ceiling = value
		turn++
	}
}
