package slots

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/casino/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
)

// scriptedDice replays a fixed sequence of draws. The reel weights stack
// cherry 1-30, lemon 31-55, star 56-75, diamond 76-90, skull 91-100.
type scriptedDice struct {
	values []int
	index  int
}

func (dice *scriptedDice) Roll(upper int) int {
	value := dice.values[dice.index]
	dice.index++
	return value
}

type fixture struct {
	ledger *ledger.Service
	engine *Engine
}

func newFixture(test *testing.T, dice games.Dice) *fixture {
	test.Helper()
	store := memstore.New()
	ledgerService, err := ledger.NewService(store, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	return &fixture{ledger: ledgerService, engine: New(ledgerService, dice)}
}

func (fx *fixture) register(test *testing.T, identity string) ledger.UserID {
	test.Helper()
	id, err := ledger.NewUserID(identity)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, _, err := fx.ledger.Register(context.Background(), id, identity); err != nil {
		test.Fatalf("register %q failed: %v", identity, err)
	}
	return id
}

func TestSpinPaysTripleDiamond(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{80, 85, 76}})
	alice := fx.register(test, "alice")

	outcome, err := fx.engine.Spin(context.Background(), alice, 100)
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if outcome.Net != 1000 {
		test.Fatalf("expected net 1000, got %d", outcome.Net)
	}
	if outcome.User.Balance != ledger.StartingBalance+1000 {
		test.Fatalf("expected balance credited, got %d", outcome.User.Balance)
	}
	if outcome.Label != "triple diamonds" {
		test.Fatalf("unexpected label %q", outcome.Label)
	}
}

func TestSpinPaysDoubleOnAnyPair(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{10, 15, 60}})
	alice := fx.register(test, "alice")

	outcome, err := fx.engine.Spin(context.Background(), alice, 100)
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if outcome.Net != 200 {
		test.Fatalf("expected net 200 on a cherry pair, got %d", outcome.Net)
	}
}

func TestSpinLosesStakeOnNoMatch(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{10, 40, 60}})
	alice := fx.register(test, "alice")

	outcome, err := fx.engine.Spin(context.Background(), alice, 100)
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if outcome.Net != -100 {
		test.Fatalf("expected net -100, got %d", outcome.Net)
	}
	if outcome.User.Balance != ledger.StartingBalance-100 {
		test.Fatalf("expected balance debited, got %d", outcome.User.Balance)
	}
}

func TestSpinTripleSkullLosesDouble(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{95, 99, 91}})
	alice := fx.register(test, "alice")

	outcome, err := fx.engine.Spin(context.Background(), alice, 100)
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if outcome.Net != -200 {
		test.Fatalf("expected net -200, got %d", outcome.Net)
	}
	if outcome.User.Balance != ledger.StartingBalance-200 {
		test.Fatalf("expected double stake debited, got %d", outcome.User.Balance)
	}
}

func TestSpinTripleSkullNeverOverdraws(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{95, 99, 91}})
	alice := fx.register(test, "alice")
	if _, err := fx.ledger.AdminAdjust(context.Background(), alice, -(ledger.StartingBalance - 150)); err != nil {
		test.Fatalf("adjust failed: %v", err)
	}

	outcome, err := fx.engine.Spin(context.Background(), alice, 100)
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if outcome.Net != -150 {
		test.Fatalf("expected loss clamped to 150, got %d", outcome.Net)
	}
	if outcome.User.Balance != 0 {
		test.Fatalf("expected empty balance, got %d", outcome.User.Balance)
	}
}

func TestSpinRejectsOverdraft(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	alice := fx.register(test, "alice")

	if _, err := fx.engine.Spin(context.Background(), alice, ledger.StartingBalance+1); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSpinRejectsNonPositiveBet(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	alice := fx.register(test, "alice")

	if _, err := fx.engine.Spin(context.Background(), alice, 0); !errors.Is(err, games.ErrInvalidBet) {
		test.Fatalf("expected ErrInvalidBet, got %v", err)
	}
}
