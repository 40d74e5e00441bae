// Package grouppot implements the group pot roll-off. Everyone rolls once
// against the bet; the single highest roller collects the spread between the
// highest and lowest rolls from the single lowest roller. Tied subsets
// re-roll until both extremes are unique.
package grouppot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// JoinWindow is how long a pot stays open for joins before it expires.
const JoinWindow = 60 * time.Second

// ErrNotEnoughPlayers reports a roll attempt with fewer than two players.
var ErrNotEnoughPlayers = errors.New("not enough players")

// ErrNotCreator reports a roll attempt by someone other than the opener.
var ErrNotCreator = errors.New("only the pot creator can roll")

type payload struct {
	Bet             int64 `json:"bet"`
	DeadlineUnixUTC int64 `json:"deadline_unix_utc"`
}

// Round records one complete set of rolls, including re-rolled ties.
type Round struct {
	Rolls map[string]int
}

// Outcome describes a settled pot.
type Outcome struct {
	SessionID string
	WinnerID  string
	LoserID   string
	Transfer  int64
	Rounds    []Round
	Winner    ledger.User
	Loser     ledger.User
}

// Engine runs group pots. Callers must hold the user locks of every
// participant for the duration of Roll.
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
	return session.KindGroupPot
}

// Open starts a pending pot in a scope. One open pot per scope.
func (engine *Engine) Open(ctx context.Context, creatorID ledger.UserID, bet ledger.Amount, scope string) (session.Session, error) {
	// A bet of 1 would make every roll a 1 and the roll-off could never
	// produce a unique winner.
	if bet < 2 {
		return session.Session{}, fmt.Errorf("%w: bet must be at least 2", games.ErrInvalidBet)
	}
	if err := engine.checkEntry(ctx, creatorID, bet); err != nil {
		return session.Session{}, err
	}
	if _, err := engine.sessions.FindActiveByScope(ctx, session.KindGroupPot, scope); err == nil {
		return session.Session{}, session.ErrAlreadyActive
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		return session.Session{}, err
	}
	nowUnixUTC := engine.nowFn()
	encoded, err := session.EncodePayload(payload{
		Bet:             bet.Int64(),
		DeadlineUnixUTC: nowUnixUTC + int64(JoinWindow/time.Second),
	})
	if err != nil {
		return session.Session{}, err
	}
	pending, err := engine.sessions.CreatePending(ctx, session.Session{
		Kind:           session.KindGroupPot,
		CreatorID:      creatorID.String(),
		Scope:          scope,
		Payload:        encoded,
		CreatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		return session.Session{}, err
	}
	if err := engine.sessions.AddParticipant(ctx, session.Participant{
		SessionID: pending.ID,
		Identity:  creatorID.String(),
		Bet:       bet.Int64(),
	}); err != nil {
		return session.Session{}, err
	}
	return pending, nil
}

// Join adds a registered user to the pending pot in a scope.
func (engine *Engine) Join(ctx context.Context, userID ledger.UserID, scope string) (session.Session, error) {
	pending, state, err := engine.pendingPot(ctx, scope)
	if err != nil {
		return session.Session{}, err
	}
	if err := engine.checkEntry(ctx, userID, ledger.Amount(state.Bet)); err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			active, findErr := engine.sessions.FindActiveForUser(ctx, userID.String())
			if findErr == nil && active.ID == pending.ID {
				return session.Session{}, session.ErrAlreadyJoined
			}
		}
		return session.Session{}, err
	}
	if err := engine.sessions.AddParticipant(ctx, session.Participant{
		SessionID: pending.ID,
		Identity:  userID.String(),
		Bet:       state.Bet,
	}); err != nil {
		return session.Session{}, err
	}
	return pending, nil
}

// Leave removes a user from the pending pot. The pot is cancelled when the
// creator leaves or when nobody remains.
func (engine *Engine) Leave(ctx context.Context, userID ledger.UserID, scope string) error {
	pending, _, err := engine.pendingPot(ctx, scope)
	if err != nil {
		return err
	}
	if err := engine.sessions.RemoveParticipant(ctx, pending.ID, userID.String()); err != nil {
		return err
	}
	remaining, err := engine.sessions.Participants(ctx, pending.ID)
	if err != nil {
		return err
	}
	if userID.String() == pending.CreatorID || len(remaining) == 0 {
		return engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusCancelled, engine.nowFn())
	}
	return nil
}

// Roll resolves the pot. Only the creator may roll, and at least two funded
// players must remain.
func (engine *Engine) Roll(ctx context.Context, callerID ledger.UserID, scope string) (Outcome, error) {
	pending, state, err := engine.pendingPot(ctx, scope)
	if err != nil {
		return Outcome{}, err
	}
	if callerID.String() != pending.CreatorID {
		return Outcome{}, ErrNotCreator
	}
	participants, err := engine.sessions.Participants(ctx, pending.ID)
	if err != nil {
		return Outcome{}, err
	}
	if len(participants) < 2 {
		return Outcome{}, ErrNotEnoughPlayers
	}
	if err := engine.sessions.Transition(ctx, pending.ID, session.StatusPending, session.StatusActive, 0); err != nil {
		return Outcome{}, err
	}
	funded, err := engine.fundedIdentities(ctx, pending.ID, participants, ledger.Amount(state.Bet))
	if err != nil {
		return Outcome{}, err
	}
	if len(funded) < 2 {
		if err := engine.sessions.Transition(ctx, pending.ID, session.StatusActive, session.StatusCancelled, engine.nowFn()); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, ErrNotEnoughPlayers
	}

	winnerIdentity, loserIdentity, transfer, rounds := engine.rollOff(funded, int(state.Bet))
	winnerID, err := ledger.NewUserID(winnerIdentity)
	if err != nil {
		return Outcome{}, err
	}
	loserID, err := ledger.NewUserID(loserIdentity)
	if err != nil {
		return Outcome{}, err
	}
	updated, err := engine.ledger.Settle(ctx, pending.ID,
		ledger.Leg{UserID: loserID, Amount: -ledger.Amount(transfer), Reason: ledger.ReasonGroupPotLoss},
		ledger.Leg{UserID: winnerID, Amount: ledger.Amount(transfer), Reason: ledger.ReasonGroupPotWin},
	)
	if err != nil {
		return Outcome{}, err
	}
	for _, identity := range funded {
		result := int64(0)
		winner := false
		switch identity {
		case winnerIdentity:
			result = transfer
			winner = true
		case loserIdentity:
			result = -transfer
		}
		if err := engine.sessions.SetParticipantResult(ctx, pending.ID, identity, result, winner); err != nil {
			return Outcome{}, err
		}
	}
	if err := engine.sessions.Transition(ctx, pending.ID, session.StatusActive, session.StatusCompleted, engine.nowFn()); err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{
		SessionID: pending.ID,
		WinnerID:  winnerIdentity,
		LoserID:   loserIdentity,
		Transfer:  transfer,
		Rounds:    rounds,
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

// HandleTimeout implements games.Engine by expiring a pot nobody rolled.
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

func (engine *Engine) checkEntry(ctx context.Context, userID ledger.UserID, bet ledger.Amount) error {
	user, err := engine.ledger.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if user.Balance < bet {
		return ledger.ErrInsufficientFunds
	}
	if _, err := engine.sessions.FindActiveForUser(ctx, userID.String()); err == nil {
		return session.ErrAlreadyActive
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		return err
	}
	return nil
}

func (engine *Engine) pendingPot(ctx context.Context, scope string) (session.Session, payload, error) {
	pending, err := engine.sessions.FindActiveByScope(ctx, session.KindGroupPot, scope)
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

// fundedIdentities drops participants whose balance fell below the bet
// between joining and rolling. Dropped players keep their money and are
// marked with a zero result.
func (engine *Engine) fundedIdentities(ctx context.Context, sessionID string, participants []session.Participant, bet ledger.Amount) ([]string, error) {
	var funded []string
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
		funded = append(funded, participant.Identity)
	}
	return funded, nil
}

// rollOff rolls for every identity and re-rolls tied subsets until the
// highest and lowest rolls are each held by exactly one player. When every
// roll ties, the whole field re-rolls.
func (engine *Engine) rollOff(identities []string, bet int) (winnerIdentity string, loserIdentity string, transfer int64, rounds []Round) {
	rolls := map[string]int{}
	for _, identity := range identities {
		rolls[identity] = engine.dice.Roll(bet)
	}
	rounds = append(rounds, snapshotRound(rolls))
	for {
		maxHolders, minHolders := extremes(rolls)
		if len(maxHolders) == len(rolls) {
			for _, identity := range identities {
				rolls[identity] = engine.dice.Roll(bet)
			}
			rounds = append(rounds, snapshotRound(rolls))
			continue
		}
		if len(maxHolders) > 1 {
			for _, identity := range maxHolders {
				rolls[identity] = engine.dice.Roll(bet)
			}
			rounds = append(rounds, snapshotRound(rolls))
			continue
		}
		if len(minHolders) > 1 {
			for _, identity := range minHolders {
				rolls[identity] = engine.dice.Roll(bet)
			}
			rounds = append(rounds, snapshotRound(rolls))
			continue
		}
		winnerIdentity = maxHolders[0]
		loserIdentity = minHolders[0]
		transfer = int64(rolls[winnerIdentity] - rolls[loserIdentity])
		return winnerIdentity, loserIdentity, transfer, rounds
	}
}

func extremes(rolls map[string]int) (maxHolders []string, minHolders []string) {
	identities := make([]string, 0, len(rolls))
	for identity := range rolls {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	maxValue, minValue := -1, -1
	for _, identity := range identities {
		value := rolls[identity]
		if maxValue < 0 || value > maxValue {
			maxValue = value
		}
		if minValue < 0 || value < minValue {
			minValue = value
		}
	}
	for _, identity := range identities {
		if rolls[identity] == maxValue {
			maxHolders = append(maxHolders, identity)
		}
		if rolls[identity] == minValue {
			minHolders = append(minHolders, identity)
		}
	}
	return maxHolders, minHolders
}

func snapshotRound(rolls map[string]int) Round {
	copied := make(map[string]int, len(rolls))
	for identity, value := range rolls {
		copied[identity] = value
	}
	return Round{Rolls: copied}
}
