// Package blackjack implements solo and multiplayer blackjack against a
// house dealer. The house is not a ledger account: each hand settles as a
// single signed transfer against the player. A natural pays 3:2, the house
// stands on 17, and an expired turn stands automatically.
package blackjack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// JoinWindow is how long a multiplayer table stays open for joins.
const JoinWindow = 30 * time.Second

// TurnTimeout is how long a player may sit on their turn before standing.
const TurnTimeout = 60 * time.Second

// MaxSeats bounds a multiplayer table.
const MaxSeats = 7

// Mode selects solo or multiplayer play.
type Mode string

const (
	ModeSolo  Mode = "solo"
	ModeMulti Mode = "multi"
)

// Phase is the in-payload stage of an active table.
type Phase string

const (
	phaseJoining     Phase = "joining"
	phasePlayerTurns Phase = "player_turns"
)

// ErrDoubleUnavailable reports a double on a hand that already drew or
// already doubled.
var ErrDoubleUnavailable = errors.New("double unavailable")

// ErrTableFull reports a join on a table that already seats MaxSeats
// players.
var ErrTableFull = errors.New("table full")

type handState struct {
	Cards   []Card `json:"cards"`
	Bet     int64  `json:"bet"`
	Doubled bool   `json:"doubled"`
	Stood   bool   `json:"stood"`
	Settled bool   `json:"settled"`
	Result  int64  `json:"result"`
}

type payload struct {
	Bet             int64                 `json:"bet"`
	Mode            Mode                  `json:"mode"`
	Phase           Phase                 `json:"phase"`
	Deck            []Card                `json:"deck"`
	House           []Card                `json:"house"`
	Hands           map[string]*handState `json:"hands"`
	Order           []string              `json:"order"`
	Turn            int                   `json:"turn"`
	DeadlineUnixUTC int64                 `json:"deadline_unix_utc"`
}

// HandView is one player's hand as shown to callers.
type HandView struct {
	Identity string
	Cards    []Card
	Value    int
	Bet      int64
	Doubled  bool
	Settled  bool
	Result   int64
}

// View is the table state returned by every engine command.
type View struct {
	SessionID    string
	Phase        Phase
	Finished     bool
	House        []Card
	HouseValue   int
	Hands        []HandView
	TurnIdentity string
}

// Engine runs blackjack tables. Callers must hold the acting user's lock.
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
	return session.KindBlackjack
}

// Deal opens a table. Solo tables deal immediately; multiplayer tables wait
// for joins until the creator begins or the join window closes.
func (engine *Engine) Deal(ctx context.Context, creatorID ledger.UserID, bet ledger.Amount, mode Mode, scope string) (View, error) {
	if bet <= 0 {
		return View{}, fmt.Errorf("%w: bet must be positive", games.ErrInvalidBet)
	}
	if mode != ModeSolo && mode != ModeMulti {
		return View{}, fmt.Errorf("%w: unknown mode %q", games.ErrInvalidBet, mode)
	}
	if err := engine.checkEntry(ctx, creatorID, bet); err != nil {
		return View{}, err
	}
	if _, err := engine.sessions.FindActiveByScope(ctx, session.KindBlackjack, scope); err == nil {
		return View{}, session.ErrAlreadyActive
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		return View{}, err
	}
	nowUnixUTC := engine.nowFn()
	encoded, err := session.EncodePayload(payload{
		Bet:             bet.Int64(),
		Mode:            mode,
		Phase:           phaseJoining,
		DeadlineUnixUTC: nowUnixUTC + int64(JoinWindow/time.Second),
	})
	if err != nil {
		return View{}, err
	}
	pending, err := engine.sessions.CreatePending(ctx, session.Session{
		Kind:           session.KindBlackjack,
		CreatorID:      creatorID.String(),
		Scope:          scope,
		Payload:        encoded,
		CreatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		return View{}, err
	}
	if err := engine.sessions.AddParticipant(ctx, session.Participant{
		SessionID: pending.ID,
		Identity:  creatorID.String(),
		Bet:       bet.Int64(),
	}); err != nil {
		return View{}, err
	}
	if mode == ModeSolo {
		return engine.begin(ctx, pending.ID)
	}
	return View{SessionID: pending.ID, Phase: phaseJoining}, nil
}

// Join adds a player to a multiplayer table still in its join window.
func (engine *Engine) Join(ctx context.Context, userID ledger.UserID, scope string) (View, error) {
	pending, state, err := engine.pendingTable(ctx, scope)
	if err != nil {
		return View{}, err
	}
	if state.Mode != ModeMulti {
		return View{}, session.ErrStateConflict
	}
	seated, err := engine.sessions.Participants(ctx, pending.ID)
	if err != nil {
		return View{}, err
	}
	if len(seated) >= MaxSeats {
		return View{}, ErrTableFull
	}
	if err := engine.checkEntry(ctx, userID, ledger.Amount(state.Bet)); err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			active, findErr := engine.sessions.FindActiveForUser(ctx, userID.String())
			if findErr == nil && active.ID == pending.ID {
				return View{}, session.ErrAlreadyJoined
			}
		}
		return View{}, err
	}
	if err := engine.sessions.AddParticipant(ctx, session.Participant{
		SessionID: pending.ID,
		Identity:  userID.String(),
		Bet:       state.Bet,
	}); err != nil {
		return View{}, err
	}
	return View{SessionID: pending.ID, Phase: phaseJoining}, nil
}

// Begin deals a multiplayer table before the join window closes. Only the
// creator may begin early.
func (engine *Engine) Begin(ctx context.Context, callerID ledger.UserID, scope string) (View, error) {
	pending, _, err := engine.pendingTable(ctx, scope)
	if err != nil {
		return View{}, err
	}
	if pending.CreatorID != callerID.String() {
		return View{}, games.ErrNotParticipant
	}
	return engine.begin(ctx, pending.ID)
}

// Hit draws one card for the acting player.
func (engine *Engine) Hit(ctx context.Context, userID ledger.UserID, scope string) (View, error) {
	return engine.playerAction(ctx, userID, scope, func(ctx context.Context, active session.Session, state *payload, hand *handState) error {
		hand.Cards = append(hand.Cards, engine.draw(state))
		value := HandValue(hand.Cards)
		if value > 21 {
			return engine.settleHand(ctx, active.ID, userID.String(), hand, -hand.Bet)
		}
		if value == 21 {
			hand.Stood = true
		}
		return nil
	})
}

// Stand ends the acting player's turn.
func (engine *Engine) Stand(ctx context.Context, userID ledger.UserID, scope string) (View, error) {
	return engine.playerAction(ctx, userID, scope, func(_ context.Context, _ session.Session, _ *payload, hand *handState) error {
		hand.Stood = true
		return nil
	})
}

// Double doubles the bet on an untouched two-card hand, draws exactly one
// card, and stands.
func (engine *Engine) Double(ctx context.Context, userID ledger.UserID, scope string) (View, error) {
	return engine.playerAction(ctx, userID, scope, func(ctx context.Context, active session.Session, state *payload, hand *handState) error {
		if len(hand.Cards) != 2 || hand.Doubled {
			return ErrDoubleUnavailable
		}
		user, err := engine.ledger.Balance(ctx, userID)
		if err != nil {
			return err
		}
		if user.Balance < ledger.Amount(2*hand.Bet) {
			return ledger.ErrInsufficientFunds
		}
		hand.Bet *= 2
		hand.Doubled = true
		hand.Cards = append(hand.Cards, engine.draw(state))
		if HandValue(hand.Cards) > 21 {
			return engine.settleHand(ctx, active.ID, userID.String(), hand, -hand.Bet)
		}
		hand.Stood = true
		return nil
	})
}

// HandleTimeout implements games.Engine. An expired join window deals the
// table; an expired turn stands the acting player.
func (engine *Engine) HandleTimeout(ctx context.Context, sessionID string) error {
	stored, err := engine.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return nil
	}
	var state payload
	if err := session.DecodePayload(stored.Payload, &state); err != nil {
		return err
	}
	if engine.nowFn() < state.DeadlineUnixUTC {
		return nil
	}
	switch {
	case stored.Status == session.StatusPending:
		_, err := engine.begin(ctx, sessionID)
		if errors.Is(err, session.ErrStateConflict) {
			return nil
		}
		return err
	case stored.Status == session.StatusActive && state.Phase == phasePlayerTurns:
		if state.Turn >= len(state.Order) {
			return nil
		}
		actingIdentity := state.Order[state.Turn]
		hand := state.Hands[actingIdentity]
		hand.Stood = true
		return engine.advance(ctx, stored, &state)
	}
	return nil
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

func (engine *Engine) pendingTable(ctx context.Context, scope string) (session.Session, payload, error) {
	pending, err := engine.sessions.FindActiveByScope(ctx, session.KindBlackjack, scope)
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

func (engine *Engine) activeTable(ctx context.Context, scope string) (session.Session, payload, error) {
	active, err := engine.sessions.FindActiveByScope(ctx, session.KindBlackjack, scope)
	if err != nil {
		return session.Session{}, payload{}, err
	}
	if active.Status != session.StatusActive {
		return session.Session{}, payload{}, session.ErrStateConflict
	}
	var state payload
	if err := session.DecodePayload(active.Payload, &state); err != nil {
		return session.Session{}, payload{}, err
	}
	return active, state, nil
}

// begin deals the opening hands and settles naturals.
func (engine *Engine) begin(ctx context.Context, sessionID string) (View, error) {
	if err := engine.sessions.Transition(ctx, sessionID, session.StatusPending, session.StatusActive, 0); err != nil {
		return View{}, err
	}
	stored, err := engine.sessions.Get(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	var state payload
	if err := session.DecodePayload(stored.Payload, &state); err != nil {
		return View{}, err
	}
	participants, err := engine.sessions.Participants(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	order, err := engine.fundedOrder(ctx, sessionID, participants, ledger.Amount(state.Bet))
	if err != nil {
		return View{}, err
	}
	if len(order) == 0 {
		if err := engine.sessions.Transition(ctx, sessionID, session.StatusActive, session.StatusCancelled, engine.nowFn()); err != nil {
			return View{}, err
		}
		return View{}, ledger.ErrInsufficientFunds
	}

	state.Deck = engine.shuffled(newDeck())
	state.Order = order
	state.Hands = map[string]*handState{}
	for _, identity := range order {
		state.Hands[identity] = &handState{Bet: state.Bet}
	}
	for round := 0; round < 2; round++ {
		for _, identity := range order {
			hand := state.Hands[identity]
			hand.Cards = append(hand.Cards, engine.draw(&state))
		}
		state.House = append(state.House, engine.draw(&state))
	}

	if isNatural(state.House) {
		for _, identity := range order {
			hand := state.Hands[identity]
			result := -hand.Bet
			if isNatural(hand.Cards) {
				result = 0
			}
			if err := engine.settleHand(ctx, sessionID, identity, hand, result); err != nil {
				return View{}, err
			}
		}
		return engine.finish(ctx, stored, &state)
	}

	// A player natural pays 3:2 immediately and sits out the round.
	for _, identity := range order {
		hand := state.Hands[identity]
		if isNatural(hand.Cards) {
			if err := engine.settleHand(ctx, sessionID, identity, hand, hand.Bet+hand.Bet/2); err != nil {
				return View{}, err
			}
		}
	}

	state.Phase = phasePlayerTurns
	state.Turn = 0
	stored.Payload = nil
	return engine.advanceFrom(ctx, stored, &state)
}

func (engine *Engine) playerAction(ctx context.Context, userID ledger.UserID, scope string, action func(ctx context.Context, active session.Session, state *payload, hand *handState) error) (View, error) {
	active, state, err := engine.activeTable(ctx, scope)
	if err != nil {
		return View{}, err
	}
	if state.Phase != phasePlayerTurns || state.Turn >= len(state.Order) {
		return View{}, session.ErrStateConflict
	}
	actingIdentity := state.Order[state.Turn]
	if actingIdentity != userID.String() {
		if _, ok := state.Hands[userID.String()]; !ok {
			return View{}, games.ErrNotParticipant
		}
		return View{}, games.ErrNotYourTurn
	}
	hand := state.Hands[actingIdentity]
	if err := action(ctx, active, &state, hand); err != nil {
		return View{}, err
	}
	return engine.advanceFrom(ctx, active, &state)
}

// advanceFrom moves the turn pointer past finished hands, plays the house
// when every player is done, and persists the payload otherwise.
func (engine *Engine) advanceFrom(ctx context.Context, stored session.Session, state *payload) (View, error) {
	if err := engine.advance(ctx, stored, state); err != nil {
		return View{}, err
	}
	refreshed, err := engine.sessions.Get(ctx, stored.ID)
	if err != nil {
		return View{}, err
	}
	var current payload
	if err := session.DecodePayload(refreshed.Payload, &current); err != nil {
		return View{}, err
	}
	return engine.view(refreshed, &current), nil
}

func (engine *Engine) advance(ctx context.Context, stored session.Session, state *payload) error {
	for state.Turn < len(state.Order) {
		hand := state.Hands[state.Order[state.Turn]]
		if hand.Settled || hand.Stood {
			state.Turn++
			continue
		}
		break
	}
	if state.Turn < len(state.Order) {
		state.DeadlineUnixUTC = engine.nowFn() + int64(TurnTimeout/time.Second)
		return engine.savePayload(ctx, stored.ID, state)
	}
	return engine.playHouse(ctx, stored, state)
}

func (engine *Engine) playHouse(ctx context.Context, stored session.Session, state *payload) error {
	for HandValue(state.House) < 17 {
		state.House = append(state.House, engine.draw(state))
	}
	houseValue := HandValue(state.House)
	var legs []ledger.Leg
	type pendingResult struct {
		identity string
		hand     *handState
		result   int64
	}
	var results []pendingResult
	for _, identity := range state.Order {
		hand := state.Hands[identity]
		if hand.Settled {
			continue
		}
		playerValue := HandValue(hand.Cards)
		result := int64(0)
		switch {
		case houseValue > 21 || playerValue > houseValue:
			result = hand.Bet
		case playerValue < houseValue:
			result = -hand.Bet
		}
		results = append(results, pendingResult{identity: identity, hand: hand, result: result})
	}
	for _, entry := range results {
		if entry.result == 0 {
			continue
		}
		id, err := ledger.NewUserID(entry.identity)
		if err != nil {
			return err
		}
		reason := ledger.ReasonBlackjackWin
		if entry.result < 0 {
			reason = ledger.ReasonBlackjackLoss
		}
		legs = append(legs, ledger.Leg{UserID: id, Amount: ledger.Amount(entry.result), Reason: reason})
	}
	if len(legs) > 0 {
		if _, err := engine.ledger.Settle(ctx, stored.ID, legs...); err != nil {
			return err
		}
	}
	for _, entry := range results {
		entry.hand.Settled = true
		entry.hand.Result = entry.result
		if err := engine.sessions.SetParticipantResult(ctx, stored.ID, entry.identity, entry.result, entry.result > 0); err != nil {
			return err
		}
	}
	_, err := engine.finish(ctx, stored, state)
	return err
}

func (engine *Engine) finish(ctx context.Context, stored session.Session, state *payload) (View, error) {
	if err := engine.savePayload(ctx, stored.ID, state); err != nil {
		return View{}, err
	}
	if err := engine.sessions.Transition(ctx, stored.ID, session.StatusActive, session.StatusCompleted, engine.nowFn()); err != nil {
		return View{}, err
	}
	refreshed, err := engine.sessions.Get(ctx, stored.ID)
	if err != nil {
		return View{}, err
	}
	return engine.view(refreshed, state), nil
}

// settleHand pays or collects one hand immediately (naturals and busts).
func (engine *Engine) settleHand(ctx context.Context, sessionID string, identity string, hand *handState, result int64) error {
	if result != 0 {
		id, err := ledger.NewUserID(identity)
		if err != nil {
			return err
		}
		reason := ledger.ReasonBlackjackWin
		if result < 0 {
			reason = ledger.ReasonBlackjackLoss
		}
		if _, err := engine.ledger.Transfer(ctx, id, ledger.Amount(result), reason, sessionID); err != nil {
			return err
		}
	}
	hand.Settled = true
	hand.Result = result
	return engine.sessions.SetParticipantResult(ctx, sessionID, identity, result, result > 0)
}

func (engine *Engine) fundedOrder(ctx context.Context, sessionID string, participants []session.Participant, bet ledger.Amount) ([]string, error) {
	var order []string
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
		order = append(order, participant.Identity)
	}
	return order, nil
}

func (engine *Engine) shuffled(deck []Card) []Card {
	for index := len(deck) - 1; index > 0; index-- {
		swap := engine.dice.Roll(index+1) - 1
		deck[index], deck[swap] = deck[swap], deck[index]
	}
	return deck
}

func (engine *Engine) savePayload(ctx context.Context, sessionID string, state *payload) error {
	encoded, err := session.EncodePayload(state)
	if err != nil {
		return err
	}
	return engine.sessions.SavePayload(ctx, sessionID, encoded)
}

// draw takes the top card, opening a fresh shuffled deck when the shoe
// runs out mid-round.
func (engine *Engine) draw(state *payload) Card {
	if len(state.Deck) == 0 {
		state.Deck = engine.shuffled(newDeck())
	}
	card := state.Deck[0]
	state.Deck = state.Deck[1:]
	return card
}

func (engine *Engine) view(stored session.Session, state *payload) View {
	finished := stored.Status.Terminal()
	view := View{
		SessionID: stored.ID,
		Phase:     state.Phase,
		Finished:  finished,
	}
	if finished {
		view.House = state.House
		view.HouseValue = HandValue(state.House)
	} else if len(state.House) > 0 {
		// Only the up card shows while players act.
		view.House = state.House[:1]
	}
	if !finished && state.Turn < len(state.Order) {
		view.TurnIdentity = state.Order[state.Turn]
	}
	for _, identity := range state.Order {
		hand := state.Hands[identity]
		view.Hands = append(view.Hands, HandView{
			Identity: identity,
			Cards:    hand.Cards,
			Value:    HandValue(hand.Cards),
			Bet:      hand.Bet,
			Doubled:  hand.Doubled,
			Settled:  hand.Settled,
			Result:   hand.Result,
		})
	}
	return view
}
