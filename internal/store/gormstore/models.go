package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the users table.
type User struct {
	UserID           string    `gorm:"type:uuid;primaryKey"`
	Identity         string    `gorm:"not null;uniqueIndex:uniq_users_identity"`
	Name             string    `gorm:"not null"`
	Balance          int64     `gorm:"not null"`
	LifetimeEarned   int64     `gorm:"not null"`
	LifetimeLost     int64     `gorm:"not null"`
	LastDailyClaim   int64     `gorm:"not null"`
	LastHourlyClaim  int64     `gorm:"not null"`
	DailyStreak      int       `gorm:"not null"`
	DailyStreakBest  int       `gorm:"not null"`
	HourlyStreak     int       `gorm:"not null"`
	HourlyStreakBest int       `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	Identity      string    `gorm:"not null;index:idx_tx_identity_created,priority:1"`
	Amount        int64     `gorm:"not null"`
	Reason        string    `gorm:"not null"`
	SessionID     string    `gorm:"index:idx_tx_session"`
	BalanceAfter  int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_tx_identity_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// GameSession mirrors the game_sessions table.
type GameSession struct {
	SessionID   string         `gorm:"type:uuid;primaryKey"`
	Kind        string         `gorm:"not null;index:idx_sessions_kind_scope_status,priority:1"`
	Scope       string         `gorm:"not null;index:idx_sessions_kind_scope_status,priority:2"`
	Status      string         `gorm:"not null;index:idx_sessions_kind_scope_status,priority:3"`
	CreatorID   string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
	CompletedAt *time.Time
}

func (GameSession) TableName() string { return "game_sessions" }

func (gameSession *GameSession) BeforeCreate(tx *gorm.DB) error {
	if gameSession.SessionID == "" {
		gameSession.SessionID = uuid.NewString()
	}
	return nil
}

// GameParticipant mirrors the game_participants table.
type GameParticipant struct {
	SessionID string    `gorm:"type:uuid;primaryKey"`
	Identity  string    `gorm:"primaryKey;index:idx_participants_identity"`
	Bet       int64     `gorm:"not null"`
	Result    int64     `gorm:"not null"`
	HasResult bool      `gorm:"not null"`
	Winner    bool      `gorm:"not null"`
	JoinOrder int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (GameParticipant) TableName() string { return "game_participants" }
