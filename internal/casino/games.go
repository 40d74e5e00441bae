package casino

import (
	"context"

	"github.com/MarkoPoloResearchLab/casino/pkg/games/blackjack"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/deathroll"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/grouppot"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/race"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/roulette"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/slots"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// DuelChallenge opens a deathroll duel against another user. The challenge
// expires if the opponent does not answer inside the accept window.
func (casino *Casino) DuelChallenge(ctx context.Context, challenger string, opponent string, bet int64, scope string) (session.Session, error) {
	challengerID, err := ledger.NewUserID(challenger)
	if err != nil {
		return session.Session{}, err
	}
	opponentID, err := ledger.NewUserID(opponent)
	if err != nil {
		return session.Session{}, err
	}
	betAmount, err := ledger.NewBetAmount(bet)
	if err != nil {
		return session.Session{}, err
	}
	guard, err := casino.guardUsers(ctx, challengerID.String(), opponentID.String())
	if err != nil {
		return session.Session{}, err
	}
	defer guard.Release()

	opened, err := casino.duels.Challenge(ctx, challengerID, opponentID, betAmount, scope)
	if err != nil {
		return session.Session{}, err
	}
	casino.scheduleTimeout(casino.duels, opened.ID, deathroll.AcceptWindow, 0)
	return opened, nil
}

// DuelAccept plays a pending duel to completion and settles the bet.
func (casino *Casino) DuelAccept(ctx context.Context, opponent string, scope string) (deathroll.Outcome, error) {
	opponentID, err := ledger.NewUserID(opponent)
	if err != nil {
		return deathroll.Outcome{}, err
	}
	guard, err := casino.guardScope(ctx, session.KindDeathroll, scope, opponentID.String())
	if err != nil {
		return deathroll.Outcome{}, err
	}
	defer guard.Release()

	outcome, err := casino.duels.Accept(ctx, opponentID, scope)
	if err != nil {
		return deathroll.Outcome{}, err
	}
	casino.timers.Cancel(outcome.SessionID)
	return outcome, nil
}

// DuelDecline turns down a pending challenge.
func (casino *Casino) DuelDecline(ctx context.Context, opponent string, scope string) error {
	opponentID, err := ledger.NewUserID(opponent)
	if err != nil {
		return err
	}
	guard, err := casino.guardScope(ctx, session.KindDeathroll, scope, opponentID.String())
	if err != nil {
		return err
	}
	defer guard.Release()
	return casino.duels.Decline(ctx, opponentID, scope)
}

// DuelCancel withdraws a challenge before it is answered.
func (casino *Casino) DuelCancel(ctx context.Context, challenger string, scope string) error {
	challengerID, err := ledger.NewUserID(challenger)
	if err != nil {
		return err
	}
	guard, err := casino.guardScope(ctx, session.KindDeathroll, scope, challengerID.String())
	if err != nil {
		return err
	}
	defer guard.Release()
	return casino.duels.Cancel(ctx, challengerID, scope)
}

// PotOpen starts a group pot in a scope. The pot expires if the creator
// does not roll it off inside the join window.
func (casino *Casino) PotOpen(ctx context.Context, creator string, bet int64, scope string) (session.Session, error) {
	creatorID, err := ledger.NewUserID(creator)
	if err != nil {
		return session.Session{}, err
	}
	betAmount, err := ledger.NewBetAmount(bet)
	if err != nil {
		return session.Session{}, err
	}
	guard, err := casino.guardUsers(ctx, creatorID.String())
	if err != nil {
		return session.Session{}, err
	}
	defer guard.Release()

	opened, err := casino.pots.Open(ctx, creatorID, betAmount, scope)
	if err != nil {
		return session.Session{}, err
	}
	casino.scheduleTimeout(casino.pots, opened.ID, grouppot.JoinWindow, 0)
	return opened, nil
}

// PotJoin adds a user to the open pot in the scope.
func (casino *Casino) PotJoin(ctx context.Context, identity string, scope string) (session.Session, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return session.Session{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return session.Session{}, err
	}
	defer guard.Release()
	return casino.pots.Join(ctx, userID, scope)
}

// PotLeave removes a user from the open pot. A departing creator cancels
// the pot for everyone.
func (casino *Casino) PotLeave(ctx context.Context, identity string, scope string) error {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return err
	}
	defer guard.Release()
	return casino.pots.Leave(ctx, userID, scope)
}

// PotRoll rolls off the pot and settles the spread between the highest and
// lowest rollers.
func (casino *Casino) PotRoll(ctx context.Context, caller string, scope string) (grouppot.Outcome, error) {
	callerID, err := ledger.NewUserID(caller)
	if err != nil {
		return grouppot.Outcome{}, err
	}
	guard, err := casino.guardScope(ctx, session.KindGroupPot, scope, callerID.String())
	if err != nil {
		return grouppot.Outcome{}, err
	}
	defer guard.Release()

	outcome, err := casino.pots.Roll(ctx, callerID, scope)
	if err != nil {
		return grouppot.Outcome{}, err
	}
	casino.timers.Cancel(outcome.SessionID)
	return outcome, nil
}

// BlackjackDeal opens a table. Solo tables deal immediately and start the
// turn clock; multiplayer tables wait out the join window first.
func (casino *Casino) BlackjackDeal(ctx context.Context, creator string, bet int64, mode blackjack.Mode, scope string) (blackjack.View, error) {
	creatorID, err := ledger.NewUserID(creator)
	if err != nil {
		return blackjack.View{}, err
	}
	betAmount, err := ledger.NewBetAmount(bet)
	if err != nil {
		return blackjack.View{}, err
	}
	guard, err := casino.guardUsers(ctx, creatorID.String())
	if err != nil {
		return blackjack.View{}, err
	}
	defer guard.Release()

	view, err := casino.tables.Deal(ctx, creatorID, betAmount, mode, scope)
	if err != nil {
		return blackjack.View{}, err
	}
	casino.armTableClock(view, mode == blackjack.ModeMulti)
	return view, nil
}

// BlackjackJoin seats a user at the open multiplayer table in the scope.
func (casino *Casino) BlackjackJoin(ctx context.Context, identity string, scope string) (blackjack.View, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return blackjack.View{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return blackjack.View{}, err
	}
	defer guard.Release()
	return casino.tables.Join(ctx, userID, scope)
}

// BlackjackBegin deals the table before the join window runs out.
func (casino *Casino) BlackjackBegin(ctx context.Context, caller string, scope string) (blackjack.View, error) {
	callerID, err := ledger.NewUserID(caller)
	if err != nil {
		return blackjack.View{}, err
	}
	guard, err := casino.guardScope(ctx, session.KindBlackjack, scope, callerID.String())
	if err != nil {
		return blackjack.View{}, err
	}
	defer guard.Release()

	view, err := casino.tables.Begin(ctx, callerID, scope)
	if err != nil {
		return blackjack.View{}, err
	}
	casino.armTableClock(view, false)
	return view, nil
}

// BlackjackHit draws a card for the acting player.
func (casino *Casino) BlackjackHit(ctx context.Context, identity string, scope string) (blackjack.View, error) {
	return casino.tableAction(ctx, identity, scope, casino.tables.Hit)
}

// BlackjackStand ends the acting player's turn.
func (casino *Casino) BlackjackStand(ctx context.Context, identity string, scope string) (blackjack.View, error) {
	return casino.tableAction(ctx, identity, scope, casino.tables.Stand)
}

// BlackjackDouble doubles the bet, draws one card, and stands.
func (casino *Casino) BlackjackDouble(ctx context.Context, identity string, scope string) (blackjack.View, error) {
	return casino.tableAction(ctx, identity, scope, casino.tables.Double)
}

func (casino *Casino) tableAction(ctx context.Context, identity string, scope string, action func(context.Context, ledger.UserID, string) (blackjack.View, error)) (blackjack.View, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return blackjack.View{}, err
	}
	guard, err := casino.guardScope(ctx, session.KindBlackjack, scope, userID.String())
	if err != nil {
		return blackjack.View{}, err
	}
	defer guard.Release()

	view, err := action(ctx, userID, scope)
	if err != nil {
		return blackjack.View{}, err
	}
	casino.armTableClock(view, false)
	return view, nil
}

// armTableClock keeps exactly one timer per table: the join window while
// the table gathers players, the turn clock while hands play out, nothing
// once the table finishes.
func (casino *Casino) armTableClock(view blackjack.View, joining bool) {
	if view.Finished {
		casino.timers.Cancel(view.SessionID)
		return
	}
	delay := blackjack.TurnTimeout
	if joining {
		delay = blackjack.JoinWindow
	}
	casino.scheduleTimeout(casino.tables, view.SessionID, delay, blackjack.TurnTimeout)
}

// RaceOpen starts an animal race in a scope. The race runs on its own when
// the join window closes.
func (casino *Casino) RaceOpen(ctx context.Context, creator string, bet int64, scope string) (session.Session, error) {
	creatorID, err := ledger.NewUserID(creator)
	if err != nil {
		return session.Session{}, err
	}
	betAmount, err := ledger.NewBetAmount(bet)
	if err != nil {
		return session.Session{}, err
	}
	guard, err := casino.guardUsers(ctx, creatorID.String())
	if err != nil {
		return session.Session{}, err
	}
	defer guard.Release()

	opened, err := casino.races.Open(ctx, creatorID, betAmount, scope)
	if err != nil {
		return session.Session{}, err
	}
	casino.scheduleTimeout(casino.races, opened.ID, race.JoinWindow, 0)
	return opened, nil
}

// RaceJoin backs a competitor in the open race.
func (casino *Casino) RaceJoin(ctx context.Context, identity string, competitor string, scope string) (session.Session, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return session.Session{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return session.Session{}, err
	}
	defer guard.Release()
	return casino.races.Join(ctx, userID, competitor, scope)
}

// RaceRun starts the race early and settles the pot.
func (casino *Casino) RaceRun(ctx context.Context, caller string, scope string) (race.Outcome, error) {
	callerID, err := ledger.NewUserID(caller)
	if err != nil {
		return race.Outcome{}, err
	}
	guard, err := casino.guardScope(ctx, session.KindAnimalRace, scope, callerID.String())
	if err != nil {
		return race.Outcome{}, err
	}
	defer guard.Release()

	outcome, err := casino.races.Run(ctx, callerID, scope)
	if err != nil {
		return race.Outcome{}, err
	}
	casino.timers.Cancel(outcome.SessionID)
	return outcome, nil
}

// SlotsSpin plays one instant slot machine round.
func (casino *Casino) SlotsSpin(ctx context.Context, identity string, bet int64) (slots.Outcome, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return slots.Outcome{}, err
	}
	betAmount, err := ledger.NewBetAmount(bet)
	if err != nil {
		return slots.Outcome{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return slots.Outcome{}, err
	}
	defer guard.Release()
	return casino.reels.Spin(ctx, userID, betAmount)
}

// RouletteSpin plays one instant roulette round on the chosen color.
func (casino *Casino) RouletteSpin(ctx context.Context, identity string, bet int64, choice string) (roulette.Outcome, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return roulette.Outcome{}, err
	}
	color, err := roulette.NewColor(choice)
	if err != nil {
		return roulette.Outcome{}, err
	}
	betAmount, err := ledger.NewBetAmount(bet)
	if err != nil {
		return roulette.Outcome{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return roulette.Outcome{}, err
	}
	defer guard.Release()
	return casino.wheel.Spin(ctx, userID, betAmount, color)
}
