package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Register creates the user with the starting balance if the identity is new.
// The bool reports whether a new user was created.
func (service *Service) Register(ctx context.Context, id UserID, name string) (User, bool, error) {
	var registered User
	created := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetUser(ctx, id)
		if err == nil {
			registered = existing
			return nil
		}
		if !errors.Is(err, ErrNotRegistered) {
			return err
		}
		nowUnixUTC := service.nowFn()
		createdUser, err := transactionStore.CreateUser(ctx, User{
			Identity:       id.String(),
			Name:           name,
			Balance:        StartingBalance,
			LifetimeEarned: StartingBalance,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.AppendTransaction(ctx, Transaction{
			Identity:       id.String(),
			Amount:         StartingBalance,
			Reason:         ReasonRegistrationGrant,
			BalanceAfter:   StartingBalance,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		registered = createdUser
		created = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRegister,
		UserID:    id,
		Amount:    StartingBalance,
		Reason:    ReasonRegistrationGrant,
		Error:     operationError,
	})
	return registered, created, operationError
}

// Balance returns the current account state for a registered user.
func (service *Service) Balance(ctx context.Context, id UserID) (User, error) {
	return service.store.GetUser(ctx, id)
}

// History lists ledger transactions for a user before a cutoff time.
func (service *Service) History(ctx context.Context, id UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if _, err := service.store.GetUser(ctx, id); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, id, beforeUnixUTC, limit)
}

// Transfer applies one signed balance change and records the transaction.
// A debit that would take the balance below zero fails with
// ErrInsufficientFunds and leaves the account untouched.
func (service *Service) Transfer(ctx context.Context, id UserID, amount Amount, reason Reason, sessionID string) (User, error) {
	var updated User
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := service.applyTransfer(ctx, transactionStore, id, amount, reason, sessionID)
		if err != nil {
			return err
		}
		updated = user
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationTransfer,
		UserID:    id,
		Amount:    amount,
		Reason:    reason,
		SessionID: sessionID,
		Error:     operationError,
	})
	return updated, operationError
}

// Settle applies every leg inside one transaction: either all users are
// updated or none are. Zero-amount legs are skipped.
func (service *Service) Settle(ctx context.Context, sessionID string, legs ...Leg) ([]User, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("%w: no legs", ErrInvalidSettlement)
	}
	ordered := make([]Leg, len(legs))
	copy(ordered, legs)
	// Stable lock order across concurrent settlements.
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].UserID.String() < ordered[right].UserID.String()
	})
	var updated []User
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		updated = updated[:0]
		for _, leg := range ordered {
			if leg.Amount == 0 {
				continue
			}
			user, err := service.applyTransfer(ctx, transactionStore, leg.UserID, leg.Amount, leg.Reason, sessionID)
			if err != nil {
				return err
			}
			updated = append(updated, user)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		SessionID: sessionID,
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return updated, nil
}

// Claim adjusts the balance and lets the caller mutate claim bookkeeping
// (streak counters, last-claim timestamps) inside the same transaction.
func (service *Service) Claim(ctx context.Context, id UserID, amount Amount, reason Reason, apply func(user *User) error) (User, error) {
	var updated User
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.GetUserForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if apply != nil {
			if err := apply(&user); err != nil {
				return err
			}
		}
		newBalance := user.Balance + amount
		if newBalance < 0 {
			return ErrInsufficientFunds
		}
		user.Balance = newBalance
		if amount > 0 {
			user.LifetimeEarned += amount
		} else if amount < 0 {
			user.LifetimeLost -= amount
		}
		if err := transactionStore.SaveUser(ctx, user); err != nil {
			return err
		}
		if err := transactionStore.AppendTransaction(ctx, Transaction{
			Identity:       id.String(),
			Amount:         amount,
			Reason:         reason,
			BalanceAfter:   newBalance,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		updated = user
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationClaim,
		UserID:    id,
		Amount:    amount,
		Reason:    reason,
		Error:     operationError,
	})
	return updated, operationError
}

// AdminAdjust applies a signed correction outside any game session.
func (service *Service) AdminAdjust(ctx context.Context, id UserID, amount Amount) (User, error) {
	var updated User
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := service.applyTransfer(ctx, transactionStore, id, amount, ReasonAdminAdjustment, "")
		if err != nil {
			return err
		}
		updated = user
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdminAdjust,
		UserID:    id,
		Amount:    amount,
		Reason:    ReasonAdminAdjustment,
		Error:     operationError,
	})
	return updated, operationError
}

// AdminReset writes a compensating adjustment that returns the balance to the
// starting amount. The transaction log keeps the full history.
func (service *Service) AdminReset(ctx context.Context, id UserID) (User, error) {
	var updated User
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.GetUserForUpdate(ctx, id)
		if err != nil {
			return err
		}
		delta := StartingBalance - user.Balance
		if delta == 0 {
			updated = user
			return nil
		}
		adjusted, err := service.applyTransfer(ctx, transactionStore, id, delta, ReasonAdminAdjustment, "")
		if err != nil {
			return err
		}
		updated = adjusted
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdminReset,
		UserID:    id,
		Reason:    ReasonAdminAdjustment,
		Error:     operationError,
	})
	return updated, operationError
}

func (service *Service) applyTransfer(ctx context.Context, transactionStore Store, id UserID, amount Amount, reason Reason, sessionID string) (User, error) {
	user, err := transactionStore.GetUserForUpdate(ctx, id)
	if err != nil {
		return User{}, err
	}
	newBalance := user.Balance + amount
	if newBalance < 0 {
		return User{}, ErrInsufficientFunds
	}
	user.Balance = newBalance
	if amount > 0 {
		user.LifetimeEarned += amount
	} else if amount < 0 {
		user.LifetimeLost -= amount
	}
	if err := transactionStore.SaveUser(ctx, user); err != nil {
		return User{}, err
	}
	if err := transactionStore.AppendTransaction(ctx, Transaction{
		Identity:       id.String(),
		Amount:         amount,
		Reason:         reason,
		SessionID:      sessionID,
		BalanceAfter:   newBalance,
		CreatedUnixUTC: service.nowFn(),
	}); err != nil {
		return User{}, err
	}
	return user, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
