package casino

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/casino/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/blackjack"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/roulette"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
	"github.com/MarkoPoloResearchLab/casino/pkg/streak"
	"github.com/MarkoPoloResearchLab/casino/pkg/userlock"
)

const testScope = "table-1"

type scriptedDice struct {
	values []int
	index  int
}

func (dice *scriptedDice) Roll(upper int) int {
	if upper <= 1 {
		return 1
	}
	value := dice.values[dice.index]
	dice.index++
	return value
}

type fixture struct {
	store  *memstore.Store
	casino *Casino
	now    int64
}

func newFixture(test *testing.T, dice games.Dice) *fixture {
	test.Helper()
	store := memstore.New()
	fx := &fixture{store: store, now: 1_700_000_000}
	ledgerService, err := ledger.NewService(store, func() int64 { return fx.now })
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	instance, err := New(Config{
		Ledger:   ledgerService,
		Sessions: store,
		Stats:    store,
		Dice:     dice,
		Now:      func() int64 { return fx.now },
	})
	if err != nil {
		test.Fatalf("casino init failed: %v", err)
	}
	test.Cleanup(instance.Close)
	fx.casino = instance
	return fx
}

func (fx *fixture) register(test *testing.T, identity string) {
	test.Helper()
	if _, _, err := fx.casino.Register(context.Background(), identity, identity); err != nil {
		test.Fatalf("register %q failed: %v", identity, err)
	}
}

func (fx *fixture) balance(test *testing.T, identity string) int64 {
	test.Helper()
	user, err := fx.casino.Balance(context.Background(), identity)
	if err != nil {
		test.Fatalf("balance failed: %v", err)
	}
	return user.Balance.Int64()
}

func TestRegisterIsIdempotent(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})

	user, created, err := fx.casino.Register(context.Background(), "alice", "Alice")
	if err != nil || !created {
		test.Fatalf("first register failed: created=%v err=%v", created, err)
	}
	if user.Balance != ledger.StartingBalance {
		test.Fatalf("expected starting balance, got %d", user.Balance)
	}
	_, created, err = fx.casino.Register(context.Background(), "alice", "Alice")
	if err != nil || created {
		test.Fatalf("second register should be a no-op: created=%v err=%v", created, err)
	}
}

func TestClaimDailyAdvancesStreak(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	first, err := fx.casino.ClaimDaily(context.Background(), "alice")
	if err != nil {
		test.Fatalf("first claim failed: %v", err)
	}
	if first.Streak != 1 || first.Reward != 1100 {
		test.Fatalf("unexpected first claim: %+v", first)
	}

	fx.now += 25 * 3600
	second, err := fx.casino.ClaimDaily(context.Background(), "alice")
	if err != nil {
		test.Fatalf("second claim failed: %v", err)
	}
	if second.Streak != 2 || second.Reward != 1200 {
		test.Fatalf("unexpected second claim: %+v", second)
	}
	if second.User.DailyStreakBest != 2 {
		test.Fatalf("expected best streak 2, got %d", second.User.DailyStreakBest)
	}
	if got := fx.balance(test, "alice"); got != 10_000+1100+1200 {
		test.Fatalf("unexpected balance %d", got)
	}
}

func TestClaimDailyOnCooldownReturnsRetryAt(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	if _, err := fx.casino.ClaimDaily(context.Background(), "alice"); err != nil {
		test.Fatalf("claim failed: %v", err)
	}
	claimedAt := fx.now
	fx.now += 3600
	result, err := fx.casino.ClaimDaily(context.Background(), "alice")
	if !errors.Is(err, streak.ErrOnCooldown) {
		test.Fatalf("expected cooldown, got %v", err)
	}
	if result.RetryAtUnixUTC != claimedAt+86_400 {
		test.Fatalf("expected retry at %d, got %d", claimedAt+86_400, result.RetryAtUnixUTC)
	}
}

func TestClaimHourlyTracksItsOwnStreak(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	if _, err := fx.casino.ClaimDaily(context.Background(), "alice"); err != nil {
		test.Fatalf("daily claim failed: %v", err)
	}
	result, err := fx.casino.ClaimHourly(context.Background(), "alice")
	if err != nil {
		test.Fatalf("hourly claim failed: %v", err)
	}
	if result.Streak != 1 || result.Reward != 105 {
		test.Fatalf("unexpected hourly claim: %+v", result)
	}
	if result.User.DailyStreak != 1 {
		test.Fatalf("hourly claim must not touch the daily streak: %+v", result.User)
	}
}

func TestInsuranceRepairsBrokenStreak(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	for day := 0; day < 5; day++ {
		if _, err := fx.casino.ClaimDaily(context.Background(), "alice"); err != nil {
			test.Fatalf("claim on day %d failed: %v", day, err)
		}
		fx.now += 24 * 3600
	}
	fx.now += 25 * 3600

	balanceBefore := fx.balance(test, "alice")
	result, err := fx.casino.BuyStreakInsurance(context.Background(), "alice", TrackDaily)
	if err != nil {
		test.Fatalf("insurance failed: %v", err)
	}
	if result.Cost != 5*250 || result.Streak != 5 {
		test.Fatalf("unexpected insurance result: %+v", result)
	}
	if got := fx.balance(test, "alice"); got != balanceBefore-1250 {
		test.Fatalf("expected balance %d, got %d", balanceBefore-1250, got)
	}

	claim, err := fx.casino.ClaimDaily(context.Background(), "alice")
	if err != nil {
		test.Fatalf("claim after insurance failed: %v", err)
	}
	if claim.Streak != 6 {
		test.Fatalf("expected streak to continue at 6, got %d", claim.Streak)
	}
}

func TestInsuranceRejectsIntactStreak(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	if _, err := fx.casino.ClaimDaily(context.Background(), "alice"); err != nil {
		test.Fatalf("claim failed: %v", err)
	}
	_, err := fx.casino.BuyStreakInsurance(context.Background(), "alice", TrackDaily)
	if !errors.Is(err, streak.ErrStreakNotBroken) {
		test.Fatalf("expected ErrStreakNotBroken, got %v", err)
	}
}

func TestInsuranceRejectsUnknownTrack(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	_, err := fx.casino.BuyStreakInsurance(context.Background(), "alice", Track("weekly"))
	if !errors.Is(err, ErrUnknownTrack) {
		test.Fatalf("expected ErrUnknownTrack, got %v", err)
	}
}

func TestDuelSettlesThroughFacade(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{400, 37, 1}})
	fx.register(test, "alice")
	fx.register(test, "bob")

	if _, err := fx.casino.DuelChallenge(context.Background(), "alice", "bob", 1000, testScope); err != nil {
		test.Fatalf("challenge failed: %v", err)
	}
	outcome, err := fx.casino.DuelAccept(context.Background(), "bob", testScope)
	if err != nil {
		test.Fatalf("accept failed: %v", err)
	}
	if outcome.WinnerID != "bob" || outcome.LoserID != "alice" {
		test.Fatalf("unexpected outcome: %+v", outcome)
	}
	if got := fx.balance(test, "alice"); got != 9000 {
		test.Fatalf("expected loser balance 9000, got %d", got)
	}
	if got := fx.balance(test, "bob"); got != 11_000 {
		test.Fatalf("expected winner balance 11000, got %d", got)
	}
}

func TestDuelChallengeRejectsUnregisteredOpponent(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	_, err := fx.casino.DuelChallenge(context.Background(), "alice", "ghost", 1000, testScope)
	if !errors.Is(err, ledger.ErrNotRegistered) {
		test.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestPotRollSettlesThroughFacade(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{300, 150, 450}})
	for _, identity := range []string{"alice", "bob", "carol"} {
		fx.register(test, identity)
	}

	if _, err := fx.casino.PotOpen(context.Background(), "alice", 500, testScope); err != nil {
		test.Fatalf("open failed: %v", err)
	}
	for _, identity := range []string{"bob", "carol"} {
		if _, err := fx.casino.PotJoin(context.Background(), identity, testScope); err != nil {
			test.Fatalf("join %s failed: %v", identity, err)
		}
	}
	outcome, err := fx.casino.PotRoll(context.Background(), "alice", testScope)
	if err != nil {
		test.Fatalf("roll failed: %v", err)
	}
	if outcome.WinnerID != "carol" || outcome.LoserID != "bob" || outcome.Transfer != 300 {
		test.Fatalf("unexpected outcome: %+v", outcome)
	}
	if got := fx.balance(test, "alice"); got != 10_000 {
		test.Fatalf("middle roller must break even, got %d", got)
	}
}

func TestRaceRunSettlesThroughFacade(test *testing.T) {
	test.Parallel()
	// Every competitor draws its maximum, so the rabbit crosses first.
	fx := newFixture(test, &maxDice{})
	fx.register(test, "alice")
	fx.register(test, "bob")

	if _, err := fx.casino.RaceOpen(context.Background(), "alice", 300, testScope); err != nil {
		test.Fatalf("open failed: %v", err)
	}
	if _, err := fx.casino.RaceJoin(context.Background(), "alice", "rabbit", testScope); err != nil {
		test.Fatalf("join alice failed: %v", err)
	}
	if _, err := fx.casino.RaceJoin(context.Background(), "bob", "snail", testScope); err != nil {
		test.Fatalf("join bob failed: %v", err)
	}
	outcome, err := fx.casino.RaceRun(context.Background(), "alice", testScope)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if outcome.WinnerName != "rabbit" {
		test.Fatalf("expected rabbit to win, got %s", outcome.WinnerName)
	}
	if got := fx.balance(test, "alice"); got != 10_300 {
		test.Fatalf("expected winner balance 10300, got %d", got)
	}
	if got := fx.balance(test, "bob"); got != 9700 {
		test.Fatalf("expected loser balance 9700, got %d", got)
	}
}

type maxDice struct{}

func (maxDice) Roll(upper int) int { return upper }

func TestLeaderboardRanksByBalance(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")
	fx.register(test, "bob")

	if _, err := fx.casino.AdminAdjust(context.Background(), "bob", 500); err != nil {
		test.Fatalf("adjust failed: %v", err)
	}
	entries, err := fx.casino.Leaderboard(context.Background(), 10)
	if err != nil {
		test.Fatalf("leaderboard failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Identity != "bob" || entries[0].Rank != 1 {
		test.Fatalf("unexpected leaderboard: %+v", entries)
	}
}

func TestAdminResetRestoresStartingBalance(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	if _, err := fx.casino.AdminAdjust(context.Background(), "alice", -4000); err != nil {
		test.Fatalf("adjust failed: %v", err)
	}
	user, err := fx.casino.AdminReset(context.Background(), "alice")
	if err != nil {
		test.Fatalf("reset failed: %v", err)
	}
	if user.Balance != ledger.StartingBalance {
		test.Fatalf("expected starting balance, got %d", user.Balance)
	}
}

func TestHistoryDefaultsToNow(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	transactions, err := fx.casino.History(context.Background(), "alice", 0, 10)
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Reason != ledger.ReasonRegistrationGrant {
		test.Fatalf("unexpected history: %+v", transactions)
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	const attempts = 5
	const debit = int64(-3000)
	results := make(chan error, attempts)
	for attempt := 0; attempt < attempts; attempt++ {
		go func() {
			_, err := fx.casino.AdminAdjust(context.Background(), "alice", debit)
			results <- err
		}()
	}
	succeeded := 0
	for attempt := 0; attempt < attempts; attempt++ {
		if err := <-results; err == nil {
			succeeded++
		} else if !errors.Is(err, ledger.ErrInsufficientFunds) {
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 3 {
		test.Fatalf("expected exactly three debits to land, got %d", succeeded)
	}
	if got := fx.balance(test, "alice"); got != 1000 {
		test.Fatalf("expected balance 1000, got %d", got)
	}
}

func TestBalanceEqualsTransactionSum(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{values: []int{400, 37, 1}})
	fx.register(test, "alice")
	fx.register(test, "bob")

	if _, err := fx.casino.ClaimDaily(context.Background(), "alice"); err != nil {
		test.Fatalf("claim failed: %v", err)
	}
	if _, err := fx.casino.DuelChallenge(context.Background(), "alice", "bob", 1000, testScope); err != nil {
		test.Fatalf("challenge failed: %v", err)
	}
	if _, err := fx.casino.DuelAccept(context.Background(), "bob", testScope); err != nil {
		test.Fatalf("accept failed: %v", err)
	}

	transactions, err := fx.casino.History(context.Background(), "alice", 0, 100)
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	sum := int64(0)
	for _, transaction := range transactions {
		sum += transaction.Amount.Int64()
	}
	if got := fx.balance(test, "alice"); got != sum {
		test.Fatalf("balance %d does not equal transaction sum %d", got, sum)
	}
}

func TestSlotsSpinSettlesThroughFacade(test *testing.T) {
	test.Parallel()
	// All three reel draws land in the diamond band.
	fx := newFixture(test, &scriptedDice{values: []int{80, 85, 76}})
	fx.register(test, "alice")

	outcome, err := fx.casino.SlotsSpin(context.Background(), "alice", 100)
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if outcome.Net != 1000 {
		test.Fatalf("expected net 1000, got %d", outcome.Net)
	}
	if got := fx.balance(test, "alice"); got != 11_000 {
		test.Fatalf("unexpected balance %d", got)
	}
	records, err := fx.casino.GameStats(context.Background(), "alice")
	if err != nil {
		test.Fatalf("stats failed: %v", err)
	}
	found := false
	for _, record := range records {
		if record.Kind == session.KindSlots {
			found = true
			if record.Played != 1 || record.Won != 1 || record.BiggestWin != 1000 {
				test.Fatalf("unexpected slots record: %+v", record)
			}
		}
	}
	if !found {
		test.Fatalf("expected a slots record, got %+v", records)
	}
}

func TestRouletteSpinSettlesThroughFacade(test *testing.T) {
	test.Parallel()
	// Pocket draw 5 lands red, the second draw picks the number.
	fx := newFixture(test, &scriptedDice{values: []int{5, 3}})
	fx.register(test, "alice")

	outcome, err := fx.casino.RouletteSpin(context.Background(), "alice", 100, "red")
	if err != nil {
		test.Fatalf("spin failed: %v", err)
	}
	if !outcome.Won || outcome.Net != 200 {
		test.Fatalf("expected red win netting 200, got %+v", outcome)
	}
	if got := fx.balance(test, "alice"); got != 10_200 {
		test.Fatalf("unexpected balance %d", got)
	}
}

func TestRouletteSpinRejectsUnknownColor(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, &scriptedDice{})
	fx.register(test, "alice")

	if _, err := fx.casino.RouletteSpin(context.Background(), "alice", 100, "purple"); !errors.Is(err, roulette.ErrUnknownColor) {
		test.Fatalf("expected ErrUnknownColor, got %v", err)
	}
}

func TestCodeOfMapsDomainErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected Code
	}{
		{name: "nil", err: nil, expected: CodeOK},
		{name: "not registered", err: ledger.ErrNotRegistered, expected: CodeNotRegistered},
		{name: "insufficient funds", err: ledger.ErrInsufficientFunds, expected: CodeInsufficientFunds},
		{name: "invalid bet", err: games.ErrInvalidBet, expected: CodeInvalidBet},
		{name: "no active game", err: session.ErrNoActiveSession, expected: CodeNoActiveGame},
		{name: "already active", err: session.ErrAlreadyActive, expected: CodeGameAlreadyActive},
		{name: "table full", err: blackjack.ErrTableFull, expected: CodeTableFull},
		{name: "unknown color", err: roulette.ErrUnknownColor, expected: CodeUnknownColor},
		{name: "on cooldown", err: streak.ErrOnCooldown, expected: CodeOnCooldown},
		{name: "lock timeout", err: userlock.ErrLockTimeout, expected: CodeLockTimeout},
		{name: "wrapped", err: ledger.WrapError("transfer", "alice", "insufficient_funds", ledger.ErrInsufficientFunds), expected: CodeInsufficientFunds},
		{name: "unknown", err: errors.New("boom"), expected: CodeInternal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := CodeOf(testCase.err); got != testCase.expected {
				test.Fatalf("expected %s, got %s", testCase.expected, got)
			}
		})
	}
}

func TestSchedulerFiresAndCancels(test *testing.T) {
	test.Parallel()
	scheduler := NewScheduler()
	defer scheduler.Stop()

	fired := make(chan string, 2)
	scheduler.Schedule("a", 10*time.Millisecond, func() { fired <- "a" })
	scheduler.Schedule("b", 10*time.Millisecond, func() { fired <- "b" })
	scheduler.Cancel("b")

	select {
	case got := <-fired:
		if got != "a" {
			test.Fatalf("expected callback a, got %s", got)
		}
	case <-time.After(2 * time.Second):
		test.Fatal("callback never fired")
	}
	select {
	case got := <-fired:
		test.Fatalf("cancelled callback %s fired", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerReplacesExistingTimer(test *testing.T) {
	test.Parallel()
	scheduler := NewScheduler()
	defer scheduler.Stop()

	fired := make(chan int, 2)
	scheduler.Schedule("a", 5*time.Millisecond, func() { fired <- 1 })
	scheduler.Schedule("a", 20*time.Millisecond, func() { fired <- 2 })

	select {
	case got := <-fired:
		if got != 2 {
			test.Fatalf("expected replacement callback, got %d", got)
		}
	case <-time.After(2 * time.Second):
		test.Fatal("callback never fired")
	}
}
