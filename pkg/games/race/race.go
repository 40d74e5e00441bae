// Package race implements the animal race. Backers pick a competitor, every
// competitor advances by a random draw each tick, and the pot is split among
// the backers of the winning animal. Backers of losing animals always pay
// their bet, even when nobody backed the winner.
package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// TrackLength is the distance a competitor must cover to finish.
const TrackLength = 100

// JoinWindow is how long a race stays open for backers.
const JoinWindow = 60 * time.Second

// ErrUnknownCompetitor reports a pick outside the roster.
var ErrUnknownCompetitor = errors.New("unknown competitor")

// ErrNotCreator reports a run attempt by someone other than the opener.
var ErrNotCreator = errors.New("only the race creator can start it")

// ErrNoBackers reports a run attempt with nobody in the race.
var ErrNoBackers = errors.New("no backers joined")

// Competitor is one animal on the track.
type Competitor struct {
	Name     string
	MinSpeed int
	MaxSpeed int
}

// Roster is the fixed field every race runs with.
var Roster = []Competitor{
	{Name: "cheetah", MinSpeed: 2, MaxSpeed: 7},
	{Name: "rabbit", MinSpeed: 1, MaxSpeed: 8},
	{Name: "fox", MinSpeed: 3, MaxSpeed: 5},
	{Name: "turtle", MinSpeed: 1, MaxSpeed: 4},
	{Name: "snail", MinSpeed: 1, MaxSpeed: 3},
}

func rosterIndex(name string) int {
	for index, competitor := range Roster {
		if competitor.Name == name {
			return index
		}
	}
	return -1
}

type payload struct {
	Bet             int64             `json:"bet"`
	Picks           map[string]string `json:"picks"`
	DeadlineUnixUTC int64             `json:"deadline_unix_utc"`
}

// Tick is one simulation step for every competitor.
type Tick struct {
	Draws     map[string]int
	Positions map[string]int
}

// Outcome describes a finished race.
type Outcome struct {
	SessionID  string
	WinnerName string
	Scope      string
	Ticks      []Tick
	Payouts    map[string]int64
	Pot        int64
}

// Engine runs animal races. Callers must hold the locks of every backer for
// the duration of Run.
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
	return session.KindAnimalRace
}

// Open starts a pending race in a scope. The creator does not back an
// animal until they join like everyone else.
func (engine *Engine) Open(ctx context.Context, creatorID ledger.UserID, bet ledger.Amount, scope string) (session.Session, error) {
	if bet <= 0 {
		return session.Session{}, fmt.Errorf("%w: bet must be positive", games.ErrInvalidBet)
	}
	if _, err := engine.ledger.Balance(ctx, creatorID); err != nil {
		return session.Session{}, err
	}
	if _, err := engine.sessions.FindActiveByScope(ctx, session.KindAnimalRace, scope); err == nil {
		return session.Session{}, session.ErrAlreadyActive
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		return session.Session{}, err
	}
	nowUnixUTC := engine.nowFn()
	encoded, err := session.EncodePayload(payload{
		Bet:             bet.Int64(),
		Picks:           map[string]string{},
		DeadlineUnixUTC: nowUnixUTC + int64(JoinWindow/time.Second),
	})
	if err != nil {
		return session.Session{}, err
	}
	return engine.sessions.CreatePending(ctx, session.Session{
		Kind:           session.KindAnimalRace,
		CreatorID:      creatorID.String(),
		Scope:          scope,
		Payload:        encoded,
		CreatedUnixUTC: nowUnixUTC,
	})
}

// Join backs a competitor in the pending race.
func (engine *Engine) Join(ctx context.Context, userID ledger.UserID, competitorName string, scope string) (session.Session, error) {
	if rosterIndex(competitorName) < 0 {
		return session.Session{}, fmt.Errorf("%w: %q", ErrUnknownCompetitor, competitorName)
	}
	pending, state, err := engine.pendingRace(ctx, scope)
	if err != nil {
		return session.Session{}, err
	}
	user, err := engine.ledger.Balance(ctx, userID)
	if err != nil {
		return session.Session{}, err
	}
	if user.Balance < ledger.Amount(state.Bet) {
		return session.Session{}, ledger.ErrInsufficientFunds
	}
	if active, err := engine.sessions.FindActiveForUser(ctx, userID.String()); err == nil {
		if active.ID == pending.ID {
			return session.Session{}, session.ErrAlreadyJoined
		}
		return session.Session{}, session.ErrAlreadyActive
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		return session.Session{}, err
	}
	if err := engine.sessions.AddParticipant(ctx, session.Participant{
		SessionID: pending.ID,
		Identity:  userID.String(),
		Bet:       state.Bet,
	}); err != nil {
		return session.Session{}, err
	}
	state.Picks[userID.String()] = competitorName
	encoded, err := session.EncodePayload(state)
	if err != nil {
		return session.Session{}, err
	}
	if err := engine.sessions.SavePayload(ctx, pending.ID, encoded); err != nil {
		return session.Session{}, err
	}
	return pending, nil
}

// Run simulates the race and settles the pot. Only the creator may start it
// by hand; the scheduler starts it when the join window closes.
func (engine *Engine) Run(ctx context.Context, callerID ledger.UserID, scope string) (Outcome, error) {
	pending, state, err := engine.pendingRace(ctx, scope)
	if err != nil {
		return Outcome{}, err
	}
	if callerID.String() != pending.CreatorID {
		return Outcome{}, ErrNotCreator
	}
	return engine.run(ctx, pending, state)
}

// HandleTimeout implements games.Engine. An expired join window runs the
// race, or cancels it when nobody joined.
func (engine *Engine) HandleTimeout(ctx context.Context, sessionID string) error {
	stored, err := engine.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if stored.Status != session.StatusPending {
		return nil
	}
	var state payload
	if err := session.DecodePayload(stored.Payload, &state); err != nil {
		return err
	}
	_, err = engine.run(ctx, stored, state)
	if errors.Is(err, ErrNoBackers) || errors.Is(err, session.ErrStateConflict) {
		return nil
	}
	return err
}

func (engine *Engine) pendingRace(ctx context.Context, scope string) (session.Session, payload, error) {
	pending, err := engine.sessions.FindActiveByScope(ctx, session.KindAnimalRace, scope)
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

func (engine *Engine) run(ctx context.Context, pending session.Session, state payload) (Outcome, error) {
	participants, err := engine.sessions.Participants(ctx, pending.ID)
	if err != nil {
		return Outcome{}, err
	}
	if len(participants) == 0 {
		if err := engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusCancelled, engine.nowFn()); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, ErrNoBackers
	}
	if err := engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusActive, 0); err != nil {
		return Outcome{}, err
	}
	funded, err := engine.fundedBackers(ctx, pending.ID, participants, ledger.Amount(state.Bet))
	if err != nil {
		return Outcome{}, err
	}
	if len(funded) == 0 {
		if err := engine.sessions.Transition(ctx, pending.ID, session.StatusActive, session.StatusCancelled, engine.nowFn()); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, ErrNoBackers
	}

	winnerName, ticks := engine.simulate()
	pot := int64(len(funded)) * state.Bet
	var winners []session.Participant
	for _, participant := range funded {
		if state.Picks[participant.Identity] == winnerName {
			winners = append(winners, participant)
		}
	}

	winningBackers := make(map[string]bool, len(winners))
	for _, winner := range winners {
		winningBackers[winner.Identity] = true
	}

	payouts := map[string]int64{}
	var legs []ledger.Leg
	if len(winners) > 0 {
		share := pot / int64(len(winners))
		remainder := pot % int64(len(winners))
		for index, winner := range winners {
			payout := share
			// The earliest backer takes the indivisible remainder.
			if index == 0 {
				payout += remainder
			}
			payouts[winner.Identity] = payout - state.Bet
		}
	}
	for _, participant := range funded {
		net, won := payouts[participant.Identity]
		if !won {
			net = -state.Bet
			payouts[participant.Identity] = net
		}
		id, err := ledger.NewUserID(participant.Identity)
		if err != nil {
			return Outcome{}, err
		}
		reason := ledger.ReasonRaceLoss
		if won {
			reason = ledger.ReasonRaceWin
		}
		legs = append(legs, ledger.Leg{UserID: id, Amount: ledger.Amount(net), Reason: reason})
	}
	hasNonZeroLeg := false
	for _, leg := range legs {
		if leg.Amount != 0 {
			hasNonZeroLeg = true
			break
		}
	}
	if hasNonZeroLeg {
		if _, err := engine.ledger.Settle(ctx, pending.ID, legs...); err != nil {
			return Outcome{}, err
		}
	}
	for _, participant := range funded {
		net := payouts[participant.Identity]
		if err := engine.sessions.SetParticipantResult(ctx, pending.ID, participant.Identity, net, winningBackers[participant.Identity]); err != nil {
			return Outcome{}, err
		}
	}
	if err := engine.sessions.Transition(ctx, pending.ID, session.StatusActive, session.StatusCompleted, engine.nowFn()); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		SessionID:  pending.ID,
		WinnerName: winnerName,
		Scope:      pending.Scope,
		Ticks:      ticks,
		Payouts:    payouts,
		Pot:        pot,
	}, nil
}

func (engine *Engine) fundedBackers(ctx context.Context, sessionID string, participants []session.Participant, bet ledger.Amount) ([]session.Participant, error) {
	var funded []session.Participant
	for _, participant := range participants {
		id, err := ledger.NewUserID(participant.Identity)
		if err != nil {
			return nil, err
		}
		user, err := engine.ledger.Balance(ctx, id)
		if err != nil {
			return nil, err
		}
		if user.Balance < bet {
			if err := engine.sessions.SetParticipantResult(ctx, sessionID, participant.Identity, 0, false); err != nil {
				return nil, err
			}
			continue
		}
		funded = append(funded, participant)
	}
	return funded, nil
}

// simulate advances every competitor until one crosses the track. A
// same-tick tie goes to the higher raw draw, then to roster order.
func (engine *Engine) simulate() (winnerName string, ticks []Tick) {
	positions := make(map[string]int, len(Roster))
	for {
		tick := Tick{Draws: map[string]int{}, Positions: map[string]int{}}
		for _, competitor := range Roster {
			spread := competitor.MaxSpeed - competitor.MinSpeed + 1
			draw := competitor.MinSpeed + engine.dice.Roll(spread) - 1
			positions[competitor.Name] += draw
			tick.Draws[competitor.Name] = draw
			tick.Positions[competitor.Name] = positions[competitor.Name]
		}
		ticks = append(ticks, tick)
		bestDraw := -1
		for _, competitor := range Roster {
			if positions[competitor.Name] < TrackLength {
				continue
			}
			if tick.Draws[competitor.Name] > bestDraw {
				bestDraw = tick.Draws[competitor.Name]
				winnerName = competitor.Name
			}
		}
		if winnerName != "" {
			return winnerName, ticks
		}
	}
}
