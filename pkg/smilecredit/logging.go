package smilecredit

import "context"

// SessionOption configures a Session instance.
type SessionOption func(*Session)

// OperationLogger records domain-level events emitted by Session operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one session operation.
type OperationLog struct {
	Operation   string
	Identity    string
	ImageDigest string
	Confidence  float64
	Amount      string
	TxHash      string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) SessionOption {
	return func(session *Session) {
		session.logger = logger
	}
}

// WithReceiptStore wires durable receipt persistence.
func WithReceiptStore(store ReceiptStore) SessionOption {
	return func(session *Session) {
		session.receipts = store
	}
}

// WithClock overrides the wall clock used for receipt timestamps.
func WithClock(now func() int64) SessionOption {
	return func(session *Session) {
		if now != nil {
			session.nowFn = now
		}
	}
}
