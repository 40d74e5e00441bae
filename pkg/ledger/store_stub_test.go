package ledger

import (
	"context"
	"fmt"
	"testing"
)

// stubStore is an in-memory Store with error injection. WithTx snapshots the
// state and restores it when fn fails, mirroring a rolled-back transaction.
type stubStore struct {
	users        map[string]User
	transactions []Transaction
	nextUserSeq  int

	getUserError     error
	createUserError  error
	saveUserError    error
	appendError      error
	listError        error
	failAppendAfter  int
	appendCallsTotal int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{users: map[string]User{}, failAppendAfter: -1}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshotUsers := make(map[string]User, len(store.users))
	for identity, user := range store.users {
		snapshotUsers[identity] = user
	}
	snapshotTransactions := make([]Transaction, len(store.transactions))
	copy(snapshotTransactions, store.transactions)
	if err := fn(ctx, store); err != nil {
		store.users = snapshotUsers
		store.transactions = snapshotTransactions
		return err
	}
	return nil
}

func (store *stubStore) GetUser(_ context.Context, id UserID) (User, error) {
	if store.getUserError != nil {
		return User{}, store.getUserError
	}
	user, ok := store.users[id.String()]
	if !ok {
		return User{}, ErrNotRegistered
	}
	return user, nil
}

func (store *stubStore) GetUserForUpdate(ctx context.Context, id UserID) (User, error) {
	return store.GetUser(ctx, id)
}

func (store *stubStore) CreateUser(_ context.Context, user User) (User, error) {
	if store.createUserError != nil {
		return User{}, store.createUserError
	}
	store.nextUserSeq++
	user.ID = fmt.Sprintf("uuid-%d", store.nextUserSeq)
	store.users[user.Identity] = user
	return user, nil
}

func (store *stubStore) SaveUser(_ context.Context, user User) error {
	if store.saveUserError != nil {
		return store.saveUserError
	}
	store.users[user.Identity] = user
	return nil
}

func (store *stubStore) AppendTransaction(_ context.Context, transaction Transaction) error {
	if store.appendError != nil {
		return store.appendError
	}
	if store.failAppendAfter >= 0 && store.appendCallsTotal >= store.failAppendAfter {
		return errStubAppendFailure
	}
	store.appendCallsTotal++
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, id UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.Identity != id.String() {
			continue
		}
		if beforeUnixUTC > 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, transaction)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	id, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return id
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustRegister(test *testing.T, service *Service, identity string) User {
	test.Helper()
	user, created, err := service.Register(context.Background(), mustUserID(test, identity), identity)
	if err != nil {
		test.Fatalf("register %q failed: %v", identity, err)
	}
	if !created {
		test.Fatalf("expected %q to be newly created", identity)
	}
	return user
}
