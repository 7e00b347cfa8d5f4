package smilecredit

import "context"

// Camera owns the device-stream lifecycle and still-frame extraction.
type Camera interface {
	// Start acquires the front-facing stream. Fails with
	// ErrDeviceUnavailable when permission is denied or no device exists.
	Start(ctx context.Context) error
	// Stop releases any active stream. Idempotent.
	Stop()
	// CaptureFrame mirrors the live frame horizontally, encodes it
	// losslessly, and stops the stream. Fails with ErrCaptureFailed when
	// no frame is available yet.
	CaptureFrame(ctx context.Context) (StillImage, error)
}

// Classifier wraps the external expression inference engine.
type Classifier interface {
	// LoadModels prepares inference assets. Called once per session
	// lifetime; idempotent and safe to race.
	LoadModels(ctx context.Context) error
	// Classify scores smiling likelihood for exactly one face. Fails with
	// ErrNoFaceDetected when the engine cannot locate exactly one face and
	// ErrModelUnavailable when assets are not loaded.
	Classify(ctx context.Context, image StillImage) (Confidence, error)
}

// Wallet wraps identity connection and ledger submissions.
type Wallet interface {
	// Connect prompts the external identity provider. Fails with
	// ErrProviderUnavailable or ErrUserRejected; safe to call again.
	Connect(ctx context.Context) (Address, error)
	// SubmitReward credits the identity from the reward pool. Resolves
	// only after the transfer is confirmed, not merely broadcast.
	SubmitReward(ctx context.Context, identity Address) (TxHash, error)
	// SubmitDonation transfers amount from the identity to the pool.
	SubmitDonation(ctx context.Context, identity Address, amount DonationAmount) (TxHash, error)
	// PoolBalance reads the pool balance. Best effort.
	PoolBalance(ctx context.Context) (string, error)
}

// ReceiptStore persists confirmed submissions for audit and gives the
// at-most-once reward invariant a durable backstop.
type ReceiptStore interface {
	// SaveReceipt inserts a confirmed submission. A repeated idempotency
	// key for the same address fails with ErrDuplicateReceipt.
	SaveReceipt(ctx context.Context, receipt Receipt) error
	// ListReceipts returns the newest receipts for an address.
	ListReceipts(ctx context.Context, address string, limit int) ([]Receipt, error)
}
