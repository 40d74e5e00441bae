package casino

import (
	"errors"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/blackjack"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/deathroll"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/grouppot"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/race"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/roulette"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
	"github.com/MarkoPoloResearchLab/casino/pkg/stats"
	"github.com/MarkoPoloResearchLab/casino/pkg/streak"
	"github.com/MarkoPoloResearchLab/casino/pkg/userlock"
)

// Code is a stable machine-readable identifier for a command failure.
type Code string

const (
	CodeOK                Code = "ok"
	CodeInvalidUser       Code = "invalid_user"
	CodeNotRegistered     Code = "not_registered"
	CodeAlreadyRegistered Code = "already_registered"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeInvalidBet        Code = "invalid_bet"
	CodeNoActiveGame      Code = "no_active_game"
	CodeGameAlreadyActive Code = "game_already_active"
	CodeAlreadyJoined     Code = "already_joined"
	CodeNotJoined         Code = "not_joined"
	CodeStateConflict     Code = "session_state_conflict"
	CodeActionTimeout     Code = "action_timeout"
	CodeNotYourTurn       Code = "not_your_turn"
	CodeNotCreator        Code = "not_creator"
	CodeSelfChallenge     Code = "self_challenge"
	CodeNotChallenged     Code = "not_challenged"
	CodeNotEnoughPlayers  Code = "not_enough_players"
	CodeUnknownCompetitor Code = "unknown_competitor"
	CodeNoBackers         Code = "no_backers"
	CodeDoubleUnavailable Code = "double_unavailable"
	CodeTableFull         Code = "table_full"
	CodeUnknownColor      Code = "unknown_color"
	CodeOnCooldown        Code = "claim_on_cooldown"
	CodeStreakNotBroken   Code = "streak_not_broken"
	CodeUnknownTrack      Code = "unknown_track"
	CodeLockTimeout       Code = "lock_timeout"
	CodeInternal          Code = "internal"
)

// CodeOf maps a command error onto its stable code. Unknown errors map to
// CodeInternal so callers never see raw error text as a code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ledger.ErrInvalidUserID):
		return CodeInvalidUser
	case errors.Is(err, ledger.ErrNotRegistered), errors.Is(err, stats.ErrUnknownUser):
		return CodeNotRegistered
	case errors.Is(err, ledger.ErrAlreadyRegistered):
		return CodeAlreadyRegistered
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, games.ErrInvalidBet):
		return CodeInvalidBet
	case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, session.ErrUnknownSession):
		return CodeNoActiveGame
	case errors.Is(err, session.ErrAlreadyActive):
		return CodeGameAlreadyActive
	case errors.Is(err, session.ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, session.ErrNotJoined), errors.Is(err, games.ErrNotParticipant):
		return CodeNotJoined
	case errors.Is(err, session.ErrStateConflict):
		return CodeStateConflict
	case errors.Is(err, games.ErrActionTimeout):
		return CodeActionTimeout
	case errors.Is(err, games.ErrNotYourTurn):
		return CodeNotYourTurn
	case errors.Is(err, grouppot.ErrNotCreator), errors.Is(err, race.ErrNotCreator):
		return CodeNotCreator
	case errors.Is(err, deathroll.ErrSelfChallenge):
		return CodeSelfChallenge
	case errors.Is(err, deathroll.ErrNotChallenged):
		return CodeNotChallenged
	case errors.Is(err, grouppot.ErrNotEnoughPlayers):
		return CodeNotEnoughPlayers
	case errors.Is(err, race.ErrUnknownCompetitor):
		return CodeUnknownCompetitor
	case errors.Is(err, race.ErrNoBackers):
		return CodeNoBackers
	case errors.Is(err, blackjack.ErrDoubleUnavailable):
		return CodeDoubleUnavailable
	case errors.Is(err, blackjack.ErrTableFull):
		return CodeTableFull
	case errors.Is(err, roulette.ErrUnknownColor):
		return CodeUnknownColor
	case errors.Is(err, streak.ErrOnCooldown):
		return CodeOnCooldown
	case errors.Is(err, streak.ErrStreakNotBroken):
		return CodeStreakNotBroken
	case errors.Is(err, ErrUnknownTrack):
		return CodeUnknownTrack
	case errors.Is(err, userlock.ErrLockTimeout):
		return CodeLockTimeout
	default:
		return CodeInternal
	}
}
