package httpapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"go.uber.org/zap"
)

// ZapOperationLogger forwards domain operation events to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as an operation logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (adapter *ZapOperationLogger) LogOperation(_ context.Context, entry smilecredit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.Identity != "" {
		fields = append(fields, zap.String("identity", entry.Identity))
	}
	if entry.ImageDigest != "" {
		fields = append(fields, zap.String("image_digest", entry.ImageDigest))
	}
	if entry.Confidence > 0 {
		fields = append(fields, zap.Float64("confidence", entry.Confidence))
	}
	if entry.Amount != "" {
		fields = append(fields, zap.String("amount", entry.Amount))
	}
	if entry.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", entry.TxHash))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("operation", fields...)
		return
	}
	adapter.logger.Info("operation", fields...)
}
