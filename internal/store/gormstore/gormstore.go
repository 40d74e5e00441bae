// Package gormstore persists users, transactions, and game sessions through
// GORM. It backs the ledger, session, and stats contracts with the same
// *gorm.DB, so one database transaction can span all of them.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
	"github.com/MarkoPoloResearchLab/casino/pkg/session"
	"github.com/MarkoPoloResearchLab/casino/pkg/stats"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectTransaction = "transaction"
	errorSubjectSession     = "session"
	errorSubjectParticipant = "participant"
	errorSubjectStats       = "stats"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeSave           = "save"
	errorCodeTransition     = "transition"
	errorCodeUpdate         = "update"
)

// Store implements ledger.Store, session.Store, and stats.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Transaction{}, &GameSession{}, &GameParticipant{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetUser implements ledger.Store.
func (store *Store) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	return store.getUser(ctx, id, false)
}

// GetUserForUpdate implements ledger.Store with a row lock.
func (store *Store) GetUserForUpdate(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	return store.getUser(ctx, id, true)
}

func (store *Store) getUser(ctx context.Context, id ledger.UserID, forUpdate bool) (ledger.User, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row User
	err := query.Where("identity = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrNotRegistered)
	}
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(row), nil
}

// CreateUser implements ledger.Store.
func (store *Store) CreateUser(ctx context.Context, user ledger.User) (ledger.User, error) {
	row := User{
		Identity:         user.Identity,
		Name:             user.Name,
		Balance:          user.Balance.Int64(),
		LifetimeEarned:   user.LifetimeEarned.Int64(),
		LifetimeLost:     user.LifetimeLost.Int64(),
		LastDailyClaim:   user.LastDailyClaim,
		LastHourlyClaim:  user.LastHourlyClaim,
		DailyStreak:      user.DailyStreak,
		DailyStreakBest:  user.DailyStreakBest,
		HourlyStreak:     user.HourlyStreak,
		HourlyStreakBest: user.HourlyStreakBest,
		CreatedAt:        time.Unix(user.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeDuplicate, ledger.ErrAlreadyRegistered)
	}
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return mapUser(row), nil
}

// SaveUser implements ledger.Store.
func (store *Store) SaveUser(ctx context.Context, user ledger.User) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("identity = ?", user.Identity).
		Updates(map[string]interface{}{
			"balance":            user.Balance.Int64(),
			"lifetime_earned":    user.LifetimeEarned.Int64(),
			"lifetime_lost":      user.LifetimeLost.Int64(),
			"last_daily_claim":   user.LastDailyClaim,
			"last_hourly_claim":  user.LastHourlyClaim,
			"daily_streak":       user.DailyStreak,
			"daily_streak_best":  user.DailyStreakBest,
			"hourly_streak":      user.HourlyStreak,
			"hourly_streak_best": user.HourlyStreakBest,
			"name":               user.Name,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeSave, ledger.ErrNotRegistered)
	}
	return nil
}

// AppendTransaction implements ledger.Store.
func (store *Store) AppendTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := Transaction{
		Identity:     transaction.Identity,
		Amount:       transaction.Amount.Int64(),
		Reason:       transaction.Reason.String(),
		SessionID:    transaction.SessionID,
		BalanceAfter: transaction.BalanceAfter.Int64(),
		CreatedAt:    time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions implements ledger.Store, newest first.
func (store *Store) ListTransactions(ctx context.Context, id ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("identity = ? AND created_at < ?", id.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

// CreatePending implements session.Store.
func (store *Store) CreatePending(ctx context.Context, pending session.Session) (session.Session, error) {
	row := GameSession{
		Kind:      string(pending.Kind),
		Scope:     pending.Scope,
		Status:    string(session.StatusPending),
		CreatorID: pending.CreatorID,
		Payload:   datatypes.JSON(pending.Payload),
		CreatedAt: time.Unix(pending.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return mapSession(row), nil
}

// Get implements session.Store.
func (store *Store) Get(ctx context.Context, sessionID string) (session.Session, error) {
	var row GameSession
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrUnknownSession)
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return mapSession(row), nil
}

// Transition implements session.Store with a compare-and-swap on status.
// Zero affected rows on an existing session means another actor moved it
// first.
func (store *Store) Transition(ctx context.Context, sessionID string, from session.Status, to session.Status, completedUnixUTC int64) error {
	updates := map[string]interface{}{"status": string(to)}
	if to.Terminal() {
		completedAt := time.Unix(completedUnixUTC, 0).UTC()
		updates["completed_at"] = &completedAt
	}
	result := store.db.WithContext(ctx).
		Model(&GameSession{}).
		Where("session_id = ? AND status = ?", sessionID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSession, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.Get(ctx, sessionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectSession, errorCodeTransition, session.ErrStateConflict)
	}
	return nil
}

// SavePayload implements session.Store.
func (store *Store) SavePayload(ctx context.Context, sessionID string, payload []byte) error {
	result := store.db.WithContext(ctx).
		Model(&GameSession{}).
		Where("session_id = ?", sessionID).
		Update("payload", datatypes.JSON(payload))
	if result.Error != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, session.ErrUnknownSession)
	}
	return nil
}

// AddParticipant implements session.Store. Join order is assigned from the
// current participant count.
func (store *Store) AddParticipant(ctx context.Context, participant session.Participant) error {
	var count int64
	if err := store.db.WithContext(ctx).
		Model(&GameParticipant{}).
		Where("session_id = ?", participant.SessionID).
		Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectParticipant, errorCodeCreate, err)
	}
	row := GameParticipant{
		SessionID: participant.SessionID,
		Identity:  participant.Identity,
		Bet:       participant.Bet,
		JoinOrder: int(count),
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectParticipant, errorCodeDuplicate, session.ErrAlreadyJoined)
	}
	if err != nil {
		return wrapStoreError(errorSubjectParticipant, errorCodeCreate, err)
	}
	return nil
}

// RemoveParticipant implements session.Store.
func (store *Store) RemoveParticipant(ctx context.Context, sessionID string, identity string) error {
	result := store.db.WithContext(ctx).
		Where("session_id = ? AND identity = ?", sessionID, identity).
		Delete(&GameParticipant{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectParticipant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectParticipant, errorCodeUpdate, session.ErrNotJoined)
	}
	return nil
}

// SetParticipantResult implements session.Store.
func (store *Store) SetParticipantResult(ctx context.Context, sessionID string, identity string, result int64, winner bool) error {
	update := store.db.WithContext(ctx).
		Model(&GameParticipant{}).
		Where("session_id = ? AND identity = ?", sessionID, identity).
		Updates(map[string]interface{}{
			"result":     result,
			"has_result": true,
			"winner":     winner,
		})
	if update.Error != nil {
		return wrapStoreError(errorSubjectParticipant, errorCodeUpdate, update.Error)
	}
	if update.RowsAffected == 0 {
		return wrapStoreError(errorSubjectParticipant, errorCodeUpdate, session.ErrNotJoined)
	}
	return nil
}

// Participants implements session.Store, in join order.
func (store *Store) Participants(ctx context.Context, sessionID string) ([]session.Participant, error) {
	var rows []GameParticipant
	err := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("join_order ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectParticipant, errorCodeList, err)
	}
	participants := make([]session.Participant, 0, len(rows))
	for _, row := range rows {
		participants = append(participants, session.Participant{
			SessionID: row.SessionID,
			Identity:  row.Identity,
			Bet:       row.Bet,
			Result:    row.Result,
			HasResult: row.HasResult,
			Winner:    row.Winner,
			JoinOrder: row.JoinOrder,
		})
	}
	return participants, nil
}

// FindActiveByScope implements session.Store.
func (store *Store) FindActiveByScope(ctx context.Context, kind session.Kind, scope string) (session.Session, error) {
	var row GameSession
	err := store.db.WithContext(ctx).
		Where("kind = ? AND scope = ? AND status IN ?", string(kind), scope, openStatuses()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrNoActiveSession)
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return mapSession(row), nil
}

// FindActiveForUser implements session.Store.
func (store *Store) FindActiveForUser(ctx context.Context, identity string) (session.Session, error) {
	var row GameSession
	err := store.db.WithContext(ctx).
		Joins("JOIN game_participants ON game_participants.session_id = game_sessions.session_id").
		Where("game_participants.identity = ? AND game_sessions.status IN ?", identity, openStatuses()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrNoActiveSession)
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return mapSession(row), nil
}

// Leaderboard implements stats.Store, highest balance first.
func (store *Store) Leaderboard(ctx context.Context, limit int) ([]stats.Entry, error) {
	var rows []User
	err := store.db.WithContext(ctx).
		Order("balance DESC, identity ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStats, errorCodeList, err)
	}
	entries := make([]stats.Entry, 0, len(rows))
	for index, row := range rows {
		entries = append(entries, stats.Entry{
			Identity:       row.Identity,
			Name:           row.Name,
			Balance:        row.Balance,
			LifetimeEarned: row.LifetimeEarned,
			LifetimeLost:   row.LifetimeLost,
			Rank:           index + 1,
		})
	}
	return entries, nil
}

// Rank implements stats.Store.
func (store *Store) Rank(ctx context.Context, identity string) (stats.Entry, error) {
	var row User
	err := store.db.WithContext(ctx).Where("identity = ?", identity).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return stats.Entry{}, wrapStoreError(errorSubjectStats, errorCodeGet, stats.ErrUnknownUser)
	}
	if err != nil {
		return stats.Entry{}, wrapStoreError(errorSubjectStats, errorCodeGet, err)
	}
	var ahead int64
	err = store.db.WithContext(ctx).
		Model(&User{}).
		Where("balance > ? OR (balance = ? AND identity < ?)", row.Balance, row.Balance, row.Identity).
		Count(&ahead).Error
	if err != nil {
		return stats.Entry{}, wrapStoreError(errorSubjectStats, errorCodeGet, err)
	}
	return stats.Entry{
		Identity:       row.Identity,
		Name:           row.Name,
		Balance:        row.Balance,
		LifetimeEarned: row.LifetimeEarned,
		LifetimeLost:   row.LifetimeLost,
		Rank:           int(ahead) + 1,
	}, nil
}

var gameReasons = map[string]struct {
	kind session.Kind
	won  bool
}{
	ledger.ReasonDuelWin.String():       {kind: session.KindDeathroll, won: true},
	ledger.ReasonDuelLoss.String():      {kind: session.KindDeathroll},
	ledger.ReasonGroupPotWin.String():   {kind: session.KindGroupPot, won: true},
	ledger.ReasonGroupPotLoss.String():  {kind: session.KindGroupPot},
	ledger.ReasonBlackjackWin.String():  {kind: session.KindBlackjack, won: true},
	ledger.ReasonBlackjackLoss.String(): {kind: session.KindBlackjack},
	ledger.ReasonRaceWin.String():       {kind: session.KindAnimalRace, won: true},
	ledger.ReasonRaceLoss.String():      {kind: session.KindAnimalRace},
	ledger.ReasonSlotsWin.String():      {kind: session.KindSlots, won: true},
	ledger.ReasonSlotsLoss.String():     {kind: session.KindSlots},
	ledger.ReasonRouletteWin.String():   {kind: session.KindRoulette, won: true},
	ledger.ReasonRouletteLoss.String():  {kind: session.KindRoulette},
}

// GameStats implements stats.Store by aggregating the transaction log.
func (store *Store) GameStats(ctx context.Context, identity string) ([]stats.GameRecord, error) {
	var exists int64
	if err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("identity = ?", identity).
		Count(&exists).Error; err != nil {
		return nil, wrapStoreError(errorSubjectStats, errorCodeGet, err)
	}
	if exists == 0 {
		return nil, wrapStoreError(errorSubjectStats, errorCodeGet, stats.ErrUnknownUser)
	}
	reasons := make([]string, 0, len(gameReasons))
	for reason := range gameReasons {
		reasons = append(reasons, reason)
	}
	type reasonAggregate struct {
		Reason    string
		Plays     int64
		MaxAmount int64
		MinAmount int64
	}
	var aggregates []reasonAggregate
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("reason, count(*) as plays, max(amount) as max_amount, min(amount) as min_amount").
		Where("identity = ? AND reason IN ?", identity, reasons).
		Group("reason").
		Scan(&aggregates).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStats, errorCodeList, err)
	}
	records := map[session.Kind]*stats.GameRecord{}
	for _, aggregate := range aggregates {
		mapped := gameReasons[aggregate.Reason]
		record, ok := records[mapped.kind]
		if !ok {
			record = &stats.GameRecord{Kind: mapped.kind}
			records[mapped.kind] = record
		}
		record.Played += int(aggregate.Plays)
		if mapped.won {
			record.Won += int(aggregate.Plays)
			if aggregate.MaxAmount > record.BiggestWin {
				record.BiggestWin = aggregate.MaxAmount
			}
		} else {
			record.Lost += int(aggregate.Plays)
			if -aggregate.MinAmount > record.BiggestLoss {
				record.BiggestLoss = -aggregate.MinAmount
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

func openStatuses() []string {
	return []string{string(session.StatusPending), string(session.StatusActive)}
}

func mapUser(row User) ledger.User {
	return ledger.User{
		ID:               row.UserID,
		Identity:         row.Identity,
		Name:             row.Name,
		Balance:          ledger.Amount(row.Balance),
		LifetimeEarned:   ledger.Amount(row.LifetimeEarned),
		LifetimeLost:     ledger.Amount(row.LifetimeLost),
		LastDailyClaim:   row.LastDailyClaim,
		LastHourlyClaim:  row.LastHourlyClaim,
		DailyStreak:      row.DailyStreak,
		DailyStreakBest:  row.DailyStreakBest,
		HourlyStreak:     row.HourlyStreak,
		HourlyStreakBest: row.HourlyStreakBest,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
}

func mapTransaction(row Transaction) ledger.Transaction {
	return ledger.Transaction{
		ID:             row.TransactionID,
		Identity:       row.Identity,
		Amount:         ledger.Amount(row.Amount),
		Reason:         ledger.Reason(row.Reason),
		SessionID:      row.SessionID,
		BalanceAfter:   ledger.Amount(row.BalanceAfter),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapSession(row GameSession) session.Session {
	mapped := session.Session{
		ID:             row.SessionID,
		Kind:           session.Kind(row.Kind),
		Status:         session.Status(row.Status),
		CreatorID:      row.CreatorID,
		Scope:          row.Scope,
		Payload:        []byte(row.Payload),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.CompletedAt != nil {
		mapped.CompletedUnixUTC = row.CompletedAt.Unix()
	}
	return mapped
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
