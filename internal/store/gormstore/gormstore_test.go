package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
)

var databaseSequence atomic.Int64

func newTestStore(test *testing.T) *Store {
	test.Helper()
	dsn := fmt.Sprintf("file:gormstore_test_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite failed: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	return New(db)
}

func mustCreateUser(test *testing.T, store *Store, identity string) ledger.User {
	test.Helper()
	user, err := store.CreateUser(context.Background(), ledger.User{
		Identity:       identity,
		Name:           identity,
		Balance:        ledger.StartingBalance,
		LifetimeEarned: ledger.StartingBalance,
		CreatedUnixUTC: 1_700_000_000,
	})
	if err != nil {
		test.Fatalf("create user failed: %v", err)
	}
	return user
}

func TestCreateUserRejectsDuplicateIdentity(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	mustCreateUser(test, store, "alice")

	_, err := store.CreateUser(context.Background(), ledger.User{Identity: "alice", Name: "alice"})
	if !errors.Is(err, ledger.ErrAlreadyRegistered) {
		test.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestGetUserRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	created := mustCreateUser(test, store, "alice")

	id, err := ledger.NewUserID("alice")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	fetched, err := store.GetUser(context.Background(), id)
	if err != nil {
		test.Fatalf("get user failed: %v", err)
	}
	if fetched.ID != created.ID || fetched.Balance != ledger.StartingBalance {
		test.Fatalf("unexpected user: %+v", fetched)
	}

	ghost, err := ledger.NewUserID("ghost")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := store.GetUser(context.Background(), ghost); !errors.Is(err, ledger.ErrNotRegistered) {
		test.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	mustCreateUser(test, store, "alice")
	id, err := ledger.NewUserID("alice")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	txFailure := errors.New("tx failure")

	err = store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		user, err := txStore.GetUserForUpdate(ctx, id)
		if err != nil {
			return err
		}
		user.Balance = 1
		if err := txStore.SaveUser(ctx, user); err != nil {
			return err
		}
		return txFailure
	})
	if !errors.Is(err, txFailure) {
		test.Fatalf("expected tx failure, got %v", err)
	}
	user, err := store.GetUser(context.Background(), id)
	if err != nil {
		test.Fatalf("get user failed: %v", err)
	}
	if user.Balance != ledger.StartingBalance {
		test.Fatalf("expected rolled-back balance, got %d", user.Balance)
	}
}

func TestTransitionDetectsConflicts(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	pending, err := store.CreatePending(context.Background(), session.Session{
		Kind:           session.KindDeathroll,
		Scope:          "table-1",
		CreatorID:      "alice",
		Payload:        []byte(`{"bet":100}`),
		CreatedUnixUTC: 1_700_000_000,
	})
	if err != nil {
		test.Fatalf("create pending failed: %v", err)
	}
	if err := store.Transition(context.Background(), pending.ID, session.StatusPending, session.StatusActive, 0); err != nil {
		test.Fatalf("transition failed: %v", err)
	}
	err = store.Transition(context.Background(), pending.ID, session.StatusPending, session.StatusCancelled, 1_700_000_100)
	if !errors.Is(err, session.ErrStateConflict) {
		test.Fatalf("expected ErrStateConflict, got %v", err)
	}
	err = store.Transition(context.Background(), "missing-session", session.StatusPending, session.StatusActive, 0)
	if !errors.Is(err, session.ErrUnknownSession) {
		test.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestFindActiveForUserJoinsParticipants(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	pending, err := store.CreatePending(context.Background(), session.Session{
		Kind:           session.KindGroupPot,
		Scope:          "table-1",
		CreatorID:      "alice",
		Payload:        []byte(`{"bet":100}`),
		CreatedUnixUTC: 1_700_000_000,
	})
	if err != nil {
		test.Fatalf("create pending failed: %v", err)
	}
	if err := store.AddParticipant(context.Background(), session.Participant{SessionID: pending.ID, Identity: "alice", Bet: 100}); err != nil {
		test.Fatalf("add participant failed: %v", err)
	}

	found, err := store.FindActiveForUser(context.Background(), "alice")
	if err != nil {
		test.Fatalf("find active failed: %v", err)
	}
	if found.ID != pending.ID {
		test.Fatalf("expected session %s, got %s", pending.ID, found.ID)
	}
	if _, err := store.FindActiveForUser(context.Background(), "bob"); !errors.Is(err, session.ErrNoActiveSession) {
		test.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	if err := store.Transition(context.Background(), pending.ID, session.StatusPending, session.StatusCancelled, 1_700_000_100); err != nil {
		test.Fatalf("transition failed: %v", err)
	}
	if _, err := store.FindActiveForUser(context.Background(), "alice"); !errors.Is(err, session.ErrNoActiveSession) {
		test.Fatalf("expected no active session after cancel, got %v", err)
	}
}

func TestAddParticipantAssignsJoinOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	pending, err := store.CreatePending(context.Background(), session.Session{
		Kind:           session.KindAnimalRace,
		Scope:          "track-1",
		CreatorID:      "alice",
		Payload:        []byte(`{"bet":100,"picks":{}}`),
		CreatedUnixUTC: 1_700_000_000,
	})
	if err != nil {
		test.Fatalf("create pending failed: %v", err)
	}
	for _, identity := range []string{"alice", "bob", "carol"} {
		if err := store.AddParticipant(context.Background(), session.Participant{SessionID: pending.ID, Identity: identity, Bet: 100}); err != nil {
			test.Fatalf("add %s failed: %v", identity, err)
		}
	}
	err = store.AddParticipant(context.Background(), session.Participant{SessionID: pending.ID, Identity: "bob", Bet: 100})
	if !errors.Is(err, session.ErrAlreadyJoined) {
		test.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}

	participants, err := store.Participants(context.Background(), pending.ID)
	if err != nil {
		test.Fatalf("participants failed: %v", err)
	}
	if len(participants) != 3 {
		test.Fatalf("expected three participants, got %d", len(participants))
	}
	for index, participant := range participants {
		if participant.JoinOrder != index {
			test.Fatalf("expected join order %d, got %d", index, participant.JoinOrder)
		}
	}
}
