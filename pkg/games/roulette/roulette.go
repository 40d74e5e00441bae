// Package roulette implements color-bet roulette on a single-zero wheel. A
// spin is instant: no session is created and only the player's own lock
// must be held while the stake settles. Red and black pay 2x, the lone
// green pocket pays 14x.
package roulette

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
)

// Color is a wheel color a player can back.
type Color string

const (
	ColorRed   Color = "red"
	ColorBlack Color = "black"
	ColorGreen Color = "green"
)

// ErrUnknownColor reports a bet on a color the wheel does not have.
var ErrUnknownColor = errors.New("unknown color")

// NewColor validates a color choice.
func NewColor(raw string) (Color, error) {
	candidate := Color(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case ColorRed, ColorBlack, ColorGreen:
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownColor, raw)
}

// Pocket numbers per color on a European wheel.
var (
	redNumbers   = []int{1, 3, 5, 7, 9, 12, 14, 16, 18, 19, 21, 23, 25, 27, 30, 32, 34, 36}
	blackNumbers = []int{2, 4, 6, 8, 10, 11, 13, 15, 17, 20, 22, 24, 26, 28, 29, 31, 33, 35}
)

// Stake multipliers per winning color.
const (
	payoutRedBlack = 2
	payoutGreen    = 14
)

// Outcome reports one settled spin.
type Outcome struct {
	Choice Color
	Color  Color
	Number int
	Net    int64
	Won    bool
	User   ledger.User
}

// Engine spins the wheel and settles each result against the ledger.
type Engine struct {
	ledger *ledger.Service
	dice   games.Dice
}

// New wires an Engine.
func New(ledgerService *ledger.Service, dice games.Dice) *Engine {
	return &Engine{ledger: ledgerService, dice: dice}
}

// Spin plays one round. Callers must hold the user's lock.
func (engine *Engine) Spin(ctx context.Context, userID ledger.UserID, bet ledger.Amount, choice Color) (Outcome, error) {
	if _, err := NewColor(string(choice)); err != nil {
		return Outcome{}, err
	}
	if bet <= 0 {
		return Outcome{}, fmt.Errorf("%w: bet must be positive", games.ErrInvalidBet)
	}
	user, err := engine.ledger.Balance(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if user.Balance < bet {
		return Outcome{}, ledger.ErrInsufficientFunds
	}

	color, number := engine.spinWheel()
	net := -bet.Int64()
	won := color == choice
	if won {
		if color == ColorGreen {
			net = payoutGreen * bet.Int64()
		} else {
			net = payoutRedBlack * bet.Int64()
		}
	}
	reason := ledger.ReasonRouletteLoss
	if won {
		reason = ledger.ReasonRouletteWin
	}
	updated, err := engine.ledger.Transfer(ctx, userID, ledger.Amount(net), reason, "")
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Choice: choice, Color: color, Number: number, Net: net, Won: won, User: updated}, nil
}

// spinWheel picks one of the 37 pockets: 18 red, 18 black, one green zero.
func (engine *Engine) spinWheel() (Color, int) {
	pocket := engine.dice.Roll(37)
	switch {
	case pocket <= len(redNumbers):
		return ColorRed, redNumbers[engine.dice.Roll(len(redNumbers))-1]
	case pocket <= len(redNumbers)+len(blackNumbers):
		return ColorBlack, blackNumbers[engine.dice.Roll(len(blackNumbers))-1]
	default:
		return ColorGreen, 0
	}
}
