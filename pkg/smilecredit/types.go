package smilecredit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address identifies the connected wallet account.
type Address struct {
	value string
}

// NewAddress validates and normalizes a hex wallet address.
func NewAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Address{}, fmt.Errorf("%w: empty value", ErrInvalidAddress)
	}
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 42 {
		return Address{}, fmt.Errorf("%w: must be 0x-prefixed with 40 hex digits", ErrInvalidAddress)
	}
	normalized := strings.ToLower(trimmed)
	if _, err := hex.DecodeString(normalized[2:]); err != nil {
		return Address{}, fmt.Errorf("%w: non-hex digits", ErrInvalidAddress)
	}
	return Address{value: normalized}, nil
}

// String returns the normalized address.
func (address Address) String() string {
	return address.value
}

// IsZero reports whether the address is unset.
func (address Address) IsZero() bool {
	return address.value == ""
}

// Confidence is a smiling likelihood in [0,1].
type Confidence float64

// NewConfidence validates a confidence score.
func NewConfidence(raw float64) (Confidence, error) {
	if raw < 0 || raw > 1 {
		return 0, fmt.Errorf("%w: must be within [0,1]", ErrInvalidConfidence)
	}
	return Confidence(raw), nil
}

// Qualifies reports whether the score clears the smile threshold.
// The boundary value itself does not qualify.
func (confidence Confidence) Qualifies() bool {
	return float64(confidence) > SmileConfidenceThreshold
}

// Float64 returns the raw score.
func (confidence Confidence) Float64() float64 {
	return float64(confidence)
}

// DonationAmount is a strictly positive decimal amount in ether units.
type DonationAmount struct {
	value string
}

// NewDonationAmount validates a decimal amount string. Non-positive or
// unparsable input is rejected before any gateway sees it.
func NewDonationAmount(raw string) (DonationAmount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DonationAmount{}, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	parsed, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return DonationAmount{}, fmt.Errorf("%w: not a decimal number", ErrInvalidAmount)
	}
	if parsed.Sign() <= 0 {
		return DonationAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return DonationAmount{value: trimmed}, nil
}

// String returns the validated decimal string.
func (amount DonationAmount) String() string {
	return amount.value
}

// StillImage is a lossless captured frame. Its digest doubles as the
// reward idempotency key for the image.
type StillImage struct {
	png    []byte
	digest string
}

// NewStillImage wraps encoded PNG bytes.
func NewStillImage(png []byte) (StillImage, error) {
	if len(png) == 0 {
		return StillImage{}, fmt.Errorf("%w: empty encoding", ErrInvalidImage)
	}
	sum := sha256.Sum256(png)
	return StillImage{png: png, digest: hex.EncodeToString(sum[:])}, nil
}

// PNG returns the encoded image bytes.
func (image StillImage) PNG() []byte {
	return image.png
}

// Digest returns the content hash of the encoding.
func (image StillImage) Digest() string {
	return image.digest
}

// IsZero reports whether the image is unset.
func (image StillImage) IsZero() bool {
	return len(image.png) == 0
}

// TxHash identifies a confirmed ledger transaction.
type TxHash string

// String returns the raw hash.
func (hash TxHash) String() string {
	return string(hash)
}

// Analysis is the classifier verdict for one captured image.
type Analysis struct {
	Confidence Confidence
	Qualifies  bool
}

// CaptureState defines the device-stream lifecycle.
type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureStreaming CaptureState = "streaming"
	CaptureCaptured  CaptureState = "captured"
)

// RewardStatus defines the per-image reward lifecycle.
type RewardStatus string

const (
	RewardNotAttempted RewardStatus = "not_attempted"
	RewardPending      RewardStatus = "pending"
	RewardSent         RewardStatus = "sent"
	RewardFailed       RewardStatus = "failed"
)

// DonationStatus defines the donation sub-flow lifecycle.
type DonationStatus string

const (
	DonationIdle    DonationStatus = "idle"
	DonationPending DonationStatus = "pending"
	DonationDone    DonationStatus = "done"
	DonationFailed  DonationStatus = "failed"
)

// Phase defines the session's capture/reward cycle position.
type Phase string

const (
	PhaseAwaitingIdentity Phase = "awaiting_identity"
	PhaseReady            Phase = "ready"
	PhaseAnalyzing        Phase = "analyzing"
	PhaseRewarding        Phase = "rewarding"
	PhaseSettled          Phase = "settled"
)

// Outcome is the terminal result of a settled capture/reward cycle.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeRewarded   Outcome = "rewarded"
	OutcomeNotSmiling Outcome = "not_smiling"
	OutcomeFailed     Outcome = "failed"
)

// ReceiptKind distinguishes persisted submission kinds.
type ReceiptKind string

const (
	ReceiptReward   ReceiptKind = "reward"
	ReceiptDonation ReceiptKind = "donation"
)

// Receipt records one confirmed ledger submission.
type Receipt struct {
	Kind           ReceiptKind
	Address        string
	Amount         string
	TxHash         string
	IdempotencyKey string
	CreatedUnixUTC int64
}

// DonationState is the independent donation sub-entity.
type DonationState struct {
	Amount string
	Status DonationStatus
}

// Snapshot is a read-only view of session state.
type Snapshot struct {
	Identity       string
	Connected      bool
	Phase          Phase
	Outcome        Outcome
	CaptureState   CaptureState
	HasImage       bool
	ImageDigest    string
	Analysis       *Analysis
	RewardStatus   RewardStatus
	Donation       DonationState
	PoolBalance    string
	CameraDisabled bool
	LastError      string
}
