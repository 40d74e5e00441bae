// Package memstore is an in-memory implementation of the ledger, session,
// and stats store contracts. It backs package tests; production deployments
// use gormstore.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
	"github.com/MarkoPoloResearchLab/casino/pkg/stats"
)

// Store keeps all state in process memory. WithTx serializes callers and
// restores a snapshot when the callback fails, matching the rollback
// behavior of a database transaction.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users        map[string]ledger.User
	transactions []ledger.Transaction
	sessions     map[string]session.Session
	participants map[string][]session.Participant
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:        map[string]ledger.User{},
		sessions:     map[string]session.Session{},
		participants: map[string][]session.Participant{},
	}
}

type snapshot struct {
	users        map[string]ledger.User
	transactions []ledger.Transaction
	sessions     map[string]session.Session
	participants map[string][]session.Participant
}

func (store *Store) snapshot() snapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	users := make(map[string]ledger.User, len(store.users))
	for identity, user := range store.users {
		users[identity] = user
	}
	transactions := make([]ledger.Transaction, len(store.transactions))
	copy(transactions, store.transactions)
	sessions := make(map[string]session.Session, len(store.sessions))
	for id, stored := range store.sessions {
		sessions[id] = stored
	}
	participants := make(map[string][]session.Participant, len(store.participants))
	for id, list := range store.participants {
		copied := make([]session.Participant, len(list))
		copy(copied, list)
		participants[id] = copied
	}
	return snapshot{users: users, transactions: transactions, sessions: sessions, participants: participants}
}

func (store *Store) restore(saved snapshot) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.users = saved.users
	store.transactions = saved.transactions
	store.sessions = saved.sessions
	store.participants = saved.participants
}

// WithTx implements ledger.Store.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

// GetUser implements ledger.Store.
func (store *Store) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	user, ok := store.users[id.String()]
	if !ok {
		return ledger.User{}, ledger.ErrNotRegistered
	}
	return user, nil
}

// GetUserForUpdate implements ledger.Store. Row locking is a no-op here;
// WithTx already serializes writers.
func (store *Store) GetUserForUpdate(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	return store.GetUser(ctx, id)
}

// CreateUser implements ledger.Store.
func (store *Store) CreateUser(_ context.Context, user ledger.User) (ledger.User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.users[user.Identity]; ok {
		return ledger.User{}, ledger.ErrAlreadyRegistered
	}
	user.ID = uuid.NewString()
	store.users[user.Identity] = user
	return user, nil
}

// SaveUser implements ledger.Store.
func (store *Store) SaveUser(_ context.Context, user ledger.User) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.users[user.Identity]; !ok {
		return ledger.ErrNotRegistered
	}
	store.users[user.Identity] = user
	return nil
}

// AppendTransaction implements ledger.Store.
func (store *Store) AppendTransaction(_ context.Context, transaction ledger.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction.ID = uuid.NewString()
	store.transactions = append(store.transactions, transaction)
	return nil
}

// ListTransactions implements ledger.Store, newest first.
func (store *Store) ListTransactions(_ context.Context, id ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []ledger.Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
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

// CreatePending implements session.Store.
func (store *Store) CreatePending(_ context.Context, pending session.Session) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	pending.ID = uuid.NewString()
	pending.Status = session.StatusPending
	store.sessions[pending.ID] = pending
	return pending, nil
}

// Get implements session.Store.
func (store *Store) Get(_ context.Context, sessionID string) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, ok := store.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrUnknownSession
	}
	return stored, nil
}

// Transition implements session.Store with a compare-and-swap on status.
func (store *Store) Transition(_ context.Context, sessionID string, from session.Status, to session.Status, completedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, ok := store.sessions[sessionID]
	if !ok {
		return session.ErrUnknownSession
	}
	if stored.Status != from {
		return session.ErrStateConflict
	}
	stored.Status = to
	if to.Terminal() {
		stored.CompletedUnixUTC = completedUnixUTC
	}
	store.sessions[sessionID] = stored
	return nil
}

// SavePayload implements session.Store.
func (store *Store) SavePayload(_ context.Context, sessionID string, payload []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, ok := store.sessions[sessionID]
	if !ok {
		return session.ErrUnknownSession
	}
	stored.Payload = payload
	store.sessions[sessionID] = stored
	return nil
}

// AddParticipant implements session.Store.
func (store *Store) AddParticipant(_ context.Context, participant session.Participant) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.sessions[participant.SessionID]; !ok {
		return session.ErrUnknownSession
	}
	list := store.participants[participant.SessionID]
	for _, existing := range list {
		if existing.Identity == participant.Identity {
			return session.ErrAlreadyJoined
		}
	}
	participant.JoinOrder = len(list)
	store.participants[participant.SessionID] = append(list, participant)
	return nil
}

// RemoveParticipant implements session.Store.
func (store *Store) RemoveParticipant(_ context.Context, sessionID string, identity string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	list := store.participants[sessionID]
	for index, existing := range list {
		if existing.Identity == identity {
			store.participants[sessionID] = append(list[:index:index], list[index+1:]...)
			return nil
		}
	}
	return session.ErrNotJoined
}

// SetParticipantResult implements session.Store.
func (store *Store) SetParticipantResult(_ context.Context, sessionID string, identity string, result int64, winner bool) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	list := store.participants[sessionID]
	for index, existing := range list {
		if existing.Identity == identity {
			list[index].Result = result
			list[index].HasResult = true
			list[index].Winner = winner
			return nil
		}
	}
	return session.ErrNotJoined
}

// Participants implements session.Store, in join order.
func (store *Store) Participants(_ context.Context, sessionID string) ([]session.Participant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	list := store.participants[sessionID]
	copied := make([]session.Participant, len(list))
	copy(copied, list)
	sort.Slice(copied, func(left, right int) bool {
		return copied[left].JoinOrder < copied[right].JoinOrder
	})
	return copied, nil
}

// FindActiveByScope implements session.Store.
func (store *Store) FindActiveByScope(_ context.Context, kind session.Kind, scope string) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, stored := range store.sessions {
		if stored.Kind == kind && stored.Scope == scope && !stored.Status.Terminal() {
			return stored, nil
		}
	}
	return session.Session{}, session.ErrNoActiveSession
}

// FindActiveForUser implements session.Store.
func (store *Store) FindActiveForUser(_ context.Context, identity string) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for sessionID, stored := range store.sessions {
		if stored.Status.Terminal() {
			continue
		}
		for _, participant := range store.participants[sessionID] {
			if participant.Identity == identity {
				return stored, nil
			}
		}
	}
	return session.Session{}, session.ErrNoActiveSession
}

var reasonKinds = map[ledger.Reason]struct {
	kind session.Kind
	won  bool
}{
	ledger.ReasonDuelWin:       {kind: session.KindDeathroll, won: true},
	ledger.ReasonDuelLoss:      {kind: session.KindDeathroll},
	ledger.ReasonGroupPotWin:   {kind: session.KindGroupPot, won: true},
	ledger.ReasonGroupPotLoss:  {kind: session.KindGroupPot},
	ledger.ReasonBlackjackWin:  {kind: session.KindBlackjack, won: true},
	ledger.ReasonBlackjackLoss: {kind: session.KindBlackjack},
	ledger.ReasonRaceWin:       {kind: session.KindAnimalRace, won: true},
	ledger.ReasonRaceLoss:      {kind: session.KindAnimalRace},
	ledger.ReasonSlotsWin:      {kind: session.KindSlots, won: true},
	ledger.ReasonSlotsLoss:     {kind: session.KindSlots},
	ledger.ReasonRouletteWin:   {kind: session.KindRoulette, won: true},
	ledger.ReasonRouletteLoss:  {kind: session.KindRoulette},
}

// Leaderboard implements stats.Store, highest balance first.
func (store *Store) Leaderboard(_ context.Context, limit int) ([]stats.Entry, error) {
	entries := store.rankedEntries()
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Rank implements stats.Store.
func (store *Store) Rank(_ context.Context, identity string) (stats.Entry, error) {
	for _, entry := range store.rankedEntries() {
		if entry.Identity == identity {
			return entry, nil
		}
	}
	return stats.Entry{}, stats.ErrUnknownUser
}

// GameStats implements stats.Store by folding the transaction log.
func (store *Store) GameStats(_ context.Context, identity string) ([]stats.GameRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.users[identity]; !ok {
		return nil, stats.ErrUnknownUser
	}
	records := map[session.Kind]*stats.GameRecord{}
	for _, transaction := range store.transactions {
		if transaction.Identity != identity {
			continue
		}
		mapped, ok := reasonKinds[transaction.Reason]
		if !ok {
			continue
		}
		record, ok := records[mapped.kind]
		if !ok {
			record = &stats.GameRecord{Kind: mapped.kind}
			records[mapped.kind] = record
		}
		record.Played++
		amount := transaction.Amount.Int64()
		if mapped.won {
			record.Won++
			if amount > record.BiggestWin {
				record.BiggestWin = amount
			}
		} else {
			record.Lost++
			if -amount > record.BiggestLoss {
				record.BiggestLoss = -amount
			}
		}
	}
	ordered := make([]stats.GameRecord, 0, len(records))
	for _, kind := range []session.Kind{session.KindDeathroll, session.KindGroupPot, session.KindBlackjack, session.KindAnimalRace, session.KindSlots, session.KindRoulette} {
		if record, ok := records[kind]; ok {
			ordered = append(ordered, *record)
		}
	}
	return ordered, nil
}

func (store *Store) rankedEntries() []stats.Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	entries := make([]stats.Entry, 0, len(store.users))
	for _, user := range store.users {
		entries = append(entries, stats.Entry{
			Identity:       user.Identity,
			Name:           user.Name,
			Balance:        user.Balance.Int64(),
			LifetimeEarned: user.LifetimeEarned.Int64(),
			LifetimeLost:   user.LifetimeLost.Int64(),
		})
	}
	sort.Slice(entries, func(left, right int) bool {
		if entries[left].Balance != entries[right].Balance {
			return entries[left].Balance > entries[right].Balance
		}
		return entries[left].Identity < entries[right].Identity
	})
	for index := range entries {
		entries[index].Rank = index + 1
	}
	return entries
}
