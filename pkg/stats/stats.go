// Package stats exposes read-only views over users and the transaction log:
// leaderboards, per-user rank, and per-game win/loss aggregates.
package stats

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

// ErrUnknownUser reports a stats lookup for an identity with no account.
var ErrUnknownUser = errors.New("unknown user")

// Entry is one leaderboard row.
type Entry struct {
	Identity       string
	Name           string
	Balance        int64
	LifetimeEarned int64
	LifetimeLost   int64
	Rank           int
}

// GameRecord aggregates one user's results for one game kind.
type GameRecord struct {
	Kind        session.Kind
	Played      int
	Won         int
	Lost        int
	BiggestWin  int64
	BiggestLoss int64
}

// Store is the read contract backing the stats queries.
type Store interface {
	Leaderboard(ctx context.Context, limit int) ([]Entry, error)
	Rank(ctx context.Context, identity string) (Entry, error)
	GameStats(ctx context.Context, identity string) ([]GameRecord, error)
}
