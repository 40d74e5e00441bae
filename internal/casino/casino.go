// Package casino is the command façade over the ledger, the game engines,
// and the reward tracks. Every balance-changing command acquires the user
// locks of the involved players before touching the ledger, and every timed
// session gets a deadline callback through the Scheduler.
package casino

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/casino/pkg/games"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/blackjack"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/deathroll"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/grouppot"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/race"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/roulette"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/slots"
	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
	"github.com/MarkoPoloResearchLab/casino/pkg/stats"
	"github.com/MarkoPoloResearchLab/casino/pkg/streak"
	"github.com/MarkoPoloResearchLab/casino/pkg/userlock"
)

const defaultLockWait = 5 * time.Second

// Config carries the collaborators a Casino needs.
type Config struct {
	Ledger   *ledger.Service
	Sessions session.Store
	Stats    stats.Store
	Dice     games.Dice
	Now      func() int64
	Logger   *zap.Logger
	LockWait time.Duration
}

// Casino executes player and admin commands.
type Casino struct {
	ledger   *ledger.Service
	sessions session.Store
	stats    stats.Store
	locks    *userlock.Registry
	timers   *Scheduler
	duels    *deathroll.Engine
	pots     *grouppot.Engine
	tables   *blackjack.Engine
	races    *race.Engine
	reels    *slots.Engine
	wheel    *roulette.Engine
	daily    streak.Rules
	hourly   streak.Rules
	nowFn    func() int64
	logger   *zap.Logger
	lockWait time.Duration
}

// New wires a Casino from its collaborators.
func New(cfg Config) (*Casino, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Stats == nil {
		return nil, fmt.Errorf("stats store is required")
	}
	if cfg.Now == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Dice == nil {
		cfg.Dice = games.SystemDice{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	return &Casino{
		ledger:   cfg.Ledger,
		sessions: cfg.Sessions,
		stats:    cfg.Stats,
		locks:    userlock.NewRegistry(),
		timers:   NewScheduler(),
		duels:    deathroll.New(cfg.Ledger, cfg.Sessions, cfg.Dice, cfg.Now),
		pots:     grouppot.New(cfg.Ledger, cfg.Sessions, cfg.Dice, cfg.Now),
		tables:   blackjack.New(cfg.Ledger, cfg.Sessions, cfg.Dice, cfg.Now),
		races:    race.New(cfg.Ledger, cfg.Sessions, cfg.Dice, cfg.Now),
		reels:    slots.New(cfg.Ledger, cfg.Dice),
		wheel:    roulette.New(cfg.Ledger, cfg.Dice),
		daily:    streak.DailyRules(),
		hourly:   streak.HourlyRules(),
		nowFn:    cfg.Now,
		logger:   cfg.Logger,
		lockWait: cfg.LockWait,
	}, nil
}

// Close disarms every pending session timer.
func (casino *Casino) Close() {
	casino.timers.Stop()
}

// Register creates an account with the starting balance. Registering an
// existing identity returns the current account unchanged.
func (casino *Casino) Register(ctx context.Context, identity string, name string) (ledger.User, bool, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return ledger.User{}, false, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return ledger.User{}, false, err
	}
	defer guard.Release()
	return casino.ledger.Register(ctx, userID, name)
}

// Balance returns the account snapshot for one user.
func (casino *Casino) Balance(ctx context.Context, identity string) (ledger.User, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return ledger.User{}, err
	}
	return casino.ledger.Balance(ctx, userID)
}

// History returns the user's most recent transactions, newest first.
func (casino *Casino) History(ctx context.Context, identity string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = casino.nowFn() + 1
	}
	return casino.ledger.History(ctx, userID, beforeUnixUTC, limit)
}

// Leaderboard returns the top accounts by balance.
func (casino *Casino) Leaderboard(ctx context.Context, limit int) ([]stats.Entry, error) {
	return casino.stats.Leaderboard(ctx, limit)
}

// Rank returns one user's leaderboard entry.
func (casino *Casino) Rank(ctx context.Context, identity string) (stats.Entry, error) {
	return casino.stats.Rank(ctx, identity)
}

// GameStats returns per-game win and loss aggregates for one user.
func (casino *Casino) GameStats(ctx context.Context, identity string) ([]stats.GameRecord, error) {
	return casino.stats.GameStats(ctx, identity)
}

// AdminAdjust applies a signed balance adjustment.
func (casino *Casino) AdminAdjust(ctx context.Context, identity string, amount int64) (ledger.User, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return ledger.User{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return ledger.User{}, err
	}
	defer guard.Release()
	return casino.ledger.AdminAdjust(ctx, userID, ledger.Amount(amount))
}

// AdminReset returns the account to the starting balance.
func (casino *Casino) AdminReset(ctx context.Context, identity string) (ledger.User, error) {
	userID, err := ledger.NewUserID(identity)
	if err != nil {
		return ledger.User{}, err
	}
	guard, err := casino.guardUsers(ctx, userID.String())
	if err != nil {
		return ledger.User{}, err
	}
	defer guard.Release()
	return casino.ledger.AdminReset(ctx, userID)
}

func (casino *Casino) guardUsers(ctx context.Context, identities ...string) (*userlock.Guard, error) {
	lockCtx, cancel := context.WithTimeout(ctx, casino.lockWait)
	defer cancel()
	return casino.locks.AcquireMany(lockCtx, identities...)
}

// guardScope locks the caller plus every participant of the open session in
// the scope, so settlement cannot race a concurrent command for any of them.
func (casino *Casino) guardScope(ctx context.Context, kind session.Kind, scope string, extra ...string) (*userlock.Guard, error) {
	identities := append([]string{}, extra...)
	found, err := casino.sessions.FindActiveByScope(ctx, kind, scope)
	if err == nil {
		participants, participantsErr := casino.sessions.Participants(ctx, found.ID)
		if participantsErr != nil {
			return nil, participantsErr
		}
		for _, participant := range participants {
			identities = append(identities, participant.Identity)
		}
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		return nil, err
	}
	return casino.guardUsers(ctx, identities...)
}

// scheduleTimeout arms the deadline callback for a session. A positive
// repeat re-arms the callback while the session stays open, which keeps a
// multiplayer blackjack table moving through idle turns.
func (casino *Casino) scheduleTimeout(engine games.Engine, sessionID string, delay time.Duration, repeat time.Duration) {
	casino.timers.Schedule(sessionID, delay, func() {
		casino.fireTimeout(engine, sessionID, repeat)
	})
}

func (casino *Casino) fireTimeout(engine games.Engine, sessionID string, repeat time.Duration) {
	// Timer callbacks run outside any request handler, so a panic here
	// would take the process down with it.
	defer func() {
		if recovered := recover(); recovered != nil {
			casino.logger.Error("session timeout handler panicked",
				zap.String("session_id", sessionID),
				zap.String("kind", string(engine.Kind())),
				zap.Any("panic", recovered))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), casino.lockWait+30*time.Second)
	defer cancel()

	participants, err := casino.sessions.Participants(ctx, sessionID)
	if err != nil {
		casino.logger.Warn("timeout participants lookup failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if len(participants) > 0 {
		identities := make([]string, 0, len(participants))
		for _, participant := range participants {
			identities = append(identities, participant.Identity)
		}
		guard, guardErr := casino.guardUsers(ctx, identities...)
		if guardErr != nil {
			casino.logger.Warn("timeout lock acquisition failed",
				zap.String("session_id", sessionID), zap.Error(guardErr))
			return
		}
		defer guard.Release()
	}

	if err := engine.HandleTimeout(ctx, sessionID); err != nil {
		casino.logger.Warn("session timeout handling failed",
			zap.String("session_id", sessionID),
			zap.String("kind", string(engine.Kind())),
			zap.Error(err))
		return
	}
	if repeat <= 0 {
		return
	}
	current, err := casino.sessions.Get(ctx, sessionID)
	if err != nil || current.Status.Terminal() {
		return
	}
	casino.scheduleTimeout(engine, sessionID, repeat, repeat)
}
