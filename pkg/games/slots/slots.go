// Package slots implements the house slot machine. A spin is instant: no
// session is created and only the player's own lock must be held while the
// stake settles.
package slots

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
)

// Symbol is one reel face.
type Symbol string

const (
	SymbolCherry  Symbol = "cherry"
	SymbolLemon   Symbol = "lemon"
	SymbolStar    Symbol = "star"
	SymbolDiamond Symbol = "diamond"
	SymbolSkull   Symbol = "skull"
)

// reelWeights drive the weighted draw. Cherries are common, skulls rare.
var reelWeights = []struct {
	symbol Symbol
	weight int
}{
	{symbol: SymbolCherry, weight: 30},
	{symbol: SymbolLemon, weight: 25},
	{symbol: SymbolStar, weight: 20},
	{symbol: SymbolDiamond, weight: 15},
	{symbol: SymbolSkull, weight: 10},
}

// Stake multipliers per combination. Triple skulls lose double the stake.
const (
	payoutTripleDiamond = 10
	payoutTripleStar    = 5
	payoutTripleMid     = 3
	payoutPair          = 2
	payoutTripleSkull   = -2
)

// Outcome reports one settled spin.
type Outcome struct {
	Symbols [3]Symbol
	Net     int64
	Label   string
	User    ledger.User
}

// Engine spins the reels and settles each result against the ledger.
type Engine struct {
	ledger *ledger.Service
	dice   games.Dice
}

// New wires an Engine.
func New(ledgerService *ledger.Service, dice games.Dice) *Engine {
	return &Engine{ledger: ledgerService, dice: dice}
}

// Spin plays one round. Callers must hold the user's lock. A triple-skull
// loss is clamped to the current balance so the account never goes
// negative.
func (engine *Engine) Spin(ctx context.Context, userID ledger.UserID, bet ledger.Amount) (Outcome, error) {
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

	symbols := [3]Symbol{engine.spinReel(), engine.spinReel(), engine.spinReel()}
	net, label := payout(symbols, bet.Int64())
	if net < -user.Balance.Int64() {
		net = -user.Balance.Int64()
	}
	reason := ledger.ReasonSlotsLoss
	if net > 0 {
		reason = ledger.ReasonSlotsWin
	}
	updated, err := engine.ledger.Transfer(ctx, userID, ledger.Amount(net), reason, "")
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Symbols: symbols, Net: net, Label: label, User: updated}, nil
}

// spinReel draws one weighted symbol.
func (engine *Engine) spinReel() Symbol {
	total := 0
	for _, reel := range reelWeights {
		total += reel.weight
	}
	draw := engine.dice.Roll(total)
	for _, reel := range reelWeights {
		draw -= reel.weight
		if draw <= 0 {
			return reel.symbol
		}
	}
	return reelWeights[len(reelWeights)-1].symbol
}

func payout(symbols [3]Symbol, bet int64) (int64, string) {
	if symbols[0] == symbols[1] && symbols[1] == symbols[2] {
		switch symbols[0] {
		case SymbolSkull:
			return payoutTripleSkull * bet, "triple skulls"
		case SymbolDiamond:
			return payoutTripleDiamond * bet, "triple diamonds"
		case SymbolStar:
			return payoutTripleStar * bet, "triple stars"
		default:
			return payoutTripleMid * bet, fmt.Sprintf("triple %ss", symbols[0])
		}
	}
	if symbols[0] == symbols[1] || symbols[1] == symbols[2] || symbols[0] == symbols[2] {
		return payoutPair * bet, "pair"
	}
	return -bet, "no match"
}
