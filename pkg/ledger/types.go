package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Amount is a signed quantity of virtual currency. Positive amounts credit a
// user, negative amounts debit one.
type Amount int64

// Int64 returns the raw signed value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// UserID identifies a registered user by external identity.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// Reason classifies why a balance changed. Every transaction carries one.
type Reason string

const (
	ReasonRegistrationGrant Reason = "registration_grant"
	ReasonDailyReward       Reason = "daily_reward"
	ReasonHourlyReward      Reason = "hourly_reward"
	ReasonStreakInsurance   Reason = "streak_insurance"
	ReasonDuelWin           Reason = "duel_win"
	ReasonDuelLoss          Reason = "duel_loss"
	ReasonGroupPotWin       Reason = "group_pot_win"
	ReasonGroupPotLoss      Reason = "group_pot_loss"
	ReasonBlackjackWin      Reason = "blackjack_win"
	ReasonBlackjackLoss     Reason = "blackjack_loss"
	ReasonRaceWin           Reason = "animal_race_win"
	ReasonRaceLoss          Reason = "animal_race_loss"
	ReasonSlotsWin          Reason = "slots_win"
	ReasonSlotsLoss         Reason = "slots_loss"
	ReasonRouletteWin       Reason = "roulette_win"
	ReasonRouletteLoss      Reason = "roulette_loss"
	ReasonAdminAdjustment   Reason = "admin_adjustment"
)

var knownReasons = map[Reason]struct{}{
	ReasonRegistrationGrant: {},
	ReasonDailyReward:       {},
	ReasonHourlyReward:      {},
	ReasonStreakInsurance:   {},
	ReasonDuelWin:           {},
	ReasonDuelLoss:          {},
	ReasonGroupPotWin:       {},
	ReasonGroupPotLoss:      {},
	ReasonBlackjackWin:      {},
	ReasonBlackjackLoss:     {},
	ReasonRaceWin:           {},
	ReasonRaceLoss:          {},
	ReasonSlotsWin:          {},
	ReasonSlotsLoss:         {},
	ReasonRouletteWin:       {},
	ReasonRouletteLoss:      {},
	ReasonAdminAdjustment:   {},
}

// NewReason validates a transaction reason against the closed set.
func NewReason(raw string) (Reason, error) {
	candidate := Reason(strings.TrimSpace(raw))
	if _, ok := knownReasons[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
	return candidate, nil
}

// String returns the reason value.
func (reason Reason) String() string {
	return string(reason)
}

// NewBetAmount validates a wager and ensures it is strictly positive.
func NewBetAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// User is the stored account state for one registered identity.
type User struct {
	ID               string
	Identity         string
	Name             string
	Balance          Amount
	LifetimeEarned   Amount
	LifetimeLost     Amount
	LastDailyClaim   int64
	LastHourlyClaim  int64
	DailyStreak      int
	DailyStreakBest  int
	HourlyStreak     int
	HourlyStreakBest int
	CreatedUnixUTC   int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID             string
	Identity       string
	Amount         Amount
	Reason         Reason
	SessionID      string
	BalanceAfter   Amount
	CreatedUnixUTC int64
}

// Leg is one side of an atomic multi-user settlement.
type Leg struct {
	UserID UserID
	Amount Amount
	Reason Reason
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic: either every write inside fn commits or none do.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetUser(ctx context.Context, id UserID) (User, error)
	GetUserForUpdate(ctx context.Context, id UserID) (User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	SaveUser(ctx context.Context, user User) error
	AppendTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, id UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
