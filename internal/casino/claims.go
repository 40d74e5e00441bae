package casino

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/streak"
)

// Track names one of the periodic reward tracks.
type Track string

const (
	TrackDaily  Track = "daily"
	TrackHourly Track = "hourly"
)

// ErrUnknownTrack reports a reward track outside daily and hourly.
var ErrUnknownTrack = errors.New("unknown reward track")

// ClaimResult describes a successful periodic claim.
type ClaimResult struct {
	User           ledger.User
	Reward         int64
	Streak         int
	Broken         bool
	RetryAtUnixUTC int64
}

// InsuranceResult describes a successful streak buy-back.
type InsuranceResult struct {
	User   ledger.User
	Cost   int64
	Streak int
}

// rewardTrack binds one set of streak rules to the user fields it reads and
// writes, so daily and hourly claims share one code path.
type rewardTrack struct {
	rules  streak.Rules
	reason ledger.Reason
	last   func(user *ledger.User) *int64
	streak func(user *ledger.User) *int
	best   func(user *ledger.User) *int
}

func (casino *Casino) rewardTrackFor(name Track) (rewardTrack, error) {
	switch name {
	case TrackDaily:
		return rewardTrack{
			rules:  casino.daily,
			reason: ledger.ReasonDailyReward,
			last:   func(user *ledger.User) *int64 { return &user.LastDailyClaim },
			streak: func(user *ledger.User) *int { return &user.DailyStreak },
			best:   func(user *ledger.User) *int { return &user.DailyStreakBest },
		}, nil
	case TrackHourly:
		return rewardTrack{
			rules:  casino.hourly,
			reason: ledger.ReasonHourlyReward,
			last:   func(user *ledger.User) *int64 { return &user.LastHourlyClaim },
			streak: func(user *ledger.User) *int { return &user.HourlyStreak },
			best:   func(user *ledger.User) *int { return &user.HourlyStreakBest },
		}, nil
	default:
		return rewardTrack{}, fmt.Errorf("%w: %s", ErrUnknownTrack, name)
	}
}

// ClaimDaily pays the daily reward and advances the daily streak.
func (casino *Casino) ClaimDaily(ctx context.Context, identity string) (ClaimResult, error) {
	return casino.claim(ctx, identity, TrackDaily)
}

// ClaimHourly pays the hourly reward and advances the hourly streak.
func (casino *Casino) ClaimHourly(ctx context.Context, identity string) (ClaimResult, error) {
	return casino.claim(ctx, identity, TrackHourly)
}

func (casino *Casino) claim(ctx context.Context, identity string, trackName Track) (ClaimResult, error) {
	track, err := casino.rewardTrackFor(trackName)
	if err != nil {
		return ClaimResult{}, err
	}
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return ClaimResult{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return ClaimResult{}, err
	}
	defer guard.Release()

	user, err := casino.ledger.Balance(ctx, userID)
	if err != nil {
		return ClaimResult{}, err
	}
	nowUnixUTC := casino.nowFn()
	evaluation := track.rules.Evaluate(*track.last(&user), *track.streak(&user), nowUnixUTC)
	if evaluation.State == streak.StateOnCooldown {
		return ClaimResult{RetryAtUnixUTC: evaluation.RetryAtUnixUTC}, streak.ErrOnCooldown
	}

	updated, err := casino.ledger.Claim(ctx, userID, ledger.Amount(evaluation.Reward), track.reason, func(user *ledger.User) error {
		*track.last(user) = nowUnixUTC
		*track.streak(user) = evaluation.NextStreak
		if evaluation.NextStreak > *track.best(user) {
			*track.best(user) = evaluation.NextStreak
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{
		User:   updated,
		Reward: evaluation.Reward,
		Streak: evaluation.NextStreak,
		Broken: evaluation.State == streak.StateBroken,
	}, nil
}

// BuyStreakInsurance repairs a broken streak for a fee scaled by the streak
// being rescued. The next claim then continues the old streak as if the
// grace window had not passed.
func (casino *Casino) BuyStreakInsurance(ctx context.Context, identity string, trackName Track) (InsuranceResult, error) {
	track, err := casino.rewardTrackFor(trackName)
	if err != nil {
		return InsuranceResult{}, err
	}
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return InsuranceResult{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return InsuranceResult{}, err
	}
	defer guard.Release()

	user, err := casino.ledger.Balance(ctx, userID)
	if err != nil {
		return InsuranceResult{}, err
	}
	nowUnixUTC := casino.nowFn()
	rescuedStreak := *track.streak(&user)
	evaluation := track.rules.Evaluate(*track.last(&user), rescuedStreak, nowUnixUTC)
	if evaluation.State != streak.StateBroken {
		return InsuranceResult{}, streak.ErrStreakNotBroken
	}
	cost := track.rules.InsuranceCost(rescuedStreak)
	periodSeconds := int64(track.rules.Period / time.Second)

	updated, err := casino.ledger.Claim(ctx, userID, ledger.Amount(-cost), ledger.ReasonStreakInsurance, func(user *ledger.User) error {
		// Backdate the claim to the edge of the period so the streak reads
		// as eligible, not broken, on the next claim.
		*track.last(user) = nowUnixUTC - periodSeconds
		return nil
	})
	if err != nil {
		return InsuranceResult{}, err
	}
	return InsuranceResult{User: updated, Cost: cost, Streak: rescuedStreak}, nil
}
