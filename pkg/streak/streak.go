// Package streak decides claim eligibility and rewards for the periodic
// daily and hourly payouts. A claim inside the period is on cooldown, a
// claim within the grace window extends the streak, and a later claim finds
// the streak broken. Broken streaks can be bought back with insurance.
package streak

import (
	"errors"
	"time"
)

// State classifies a claim attempt.
type State string

const (
	StateOnCooldown State = "on_cooldown"
	StateEligible   State = "eligible"
	StateBroken     State = "broken"
)

// ErrStreakNotBroken reports an insurance purchase for an intact streak.
var ErrStreakNotBroken = errors.New("streak not broken")

// ErrOnCooldown reports a claim before the period elapsed.
var ErrOnCooldown = errors.New("claim on cooldown")

// Rules parameterizes one reward track.
type Rules struct {
	Period            time.Duration
	BreakAfter        time.Duration
	BaseReward        int64
	StepPercent       int64
	Cap               int
	InsurancePerLevel int64
}

// DailyRules returns the daily reward track: one claim per 24 hours, the
// streak survives up to 48 hours between claims.
func DailyRules() Rules {
	return Rules{
		Period:            24 * time.Hour,
		BreakAfter:        48 * time.Hour,
		BaseReward:        1000,
		StepPercent:       10,
		Cap:               30,
		InsurancePerLevel: 250,
	}
}

// HourlyRules returns the hourly reward track: one claim per hour, with
// three missed windows of grace before the streak breaks.
func HourlyRules() Rules {
	return Rules{
		Period:            time.Hour,
		BreakAfter:        4 * time.Hour,
		BaseReward:        100,
		StepPercent:       5,
		Cap:               24,
		InsurancePerLevel: 250,
	}
}

// Evaluation is the outcome of checking a claim at a point in time.
type Evaluation struct {
	State          State
	NextStreak     int
	Reward         int64
	RetryAtUnixUTC int64
}

// Evaluate classifies a claim attempt. NextStreak and Reward describe what
// a claim right now would yield; for a broken streak that is a fresh streak
// of one.
func (rules Rules) Evaluate(lastClaimUnixUTC int64, currentStreak int, nowUnixUTC int64) Evaluation {
	if lastClaimUnixUTC == 0 {
		return Evaluation{State: StateEligible, NextStreak: 1, Reward: rules.Reward(1)}
	}
	elapsed := nowUnixUTC - lastClaimUnixUTC
	periodSeconds := int64(rules.Period / time.Second)
	if elapsed < periodSeconds {
		return Evaluation{
			State:          StateOnCooldown,
			RetryAtUnixUTC: lastClaimUnixUTC + periodSeconds,
		}
	}
	if elapsed < int64(rules.BreakAfter/time.Second) {
		next := currentStreak + 1
		return Evaluation{State: StateEligible, NextStreak: next, Reward: rules.Reward(next)}
	}
	return Evaluation{State: StateBroken, NextStreak: 1, Reward: rules.Reward(1)}
}

// Reward grows linearly with the streak: StepPercent of the base per level,
// capped at Cap levels. Integer arithmetic throughout.
func (rules Rules) Reward(streak int) int64 {
	if streak < 1 {
		streak = 1
	}
	level := int64(streak)
	if streak > rules.Cap {
		level = int64(rules.Cap)
	}
	return rules.BaseReward * (100 + rules.StepPercent*level) / 100
}

// InsuranceCost prices a buy-back of a broken streak.
func (rules Rules) InsuranceCost(brokenStreak int) int64 {
	if brokenStreak < 1 {
		return rules.InsurancePerLevel
	}
	return rules.InsurancePerLevel * int64(brokenStreak)
}
