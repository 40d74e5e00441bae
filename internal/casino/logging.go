package casino

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/casino/pkg/ledger"
)

// zapOperationLogger forwards ledger operation callbacks to a zap logger.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger adapts a zap logger to the ledger's operation callback.
func NewOperationLogger(logger *zap.Logger) ledger.OperationLogger {
	return zapOperationLogger{logger: logger}
}

func (adapter zapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("reason", string(entry.Reason)),
		zap.String("session_id", entry.SessionID),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}
