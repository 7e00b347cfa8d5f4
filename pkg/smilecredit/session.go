package smilecredit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session owns one user's capture → analyze → reward cycle plus the
// independent donation sub-flow. External capabilities are invoked with
// the lock released; per-sub-flow in-flight flags guard re-entrancy, so a
// pending capture/reward cycle never blocks a donation and vice versa.
type Session struct {
	camera     Camera
	classifier Classifier
	wallet     Wallet
	receipts   ReceiptStore
	logger     OperationLogger
	nowFn      func() int64

	mu             sync.Mutex
	identity       Address
	connected      bool
	phase          Phase
	outcome        Outcome
	captureState   CaptureState
	currentImage   StillImage
	analysis       *Analysis
	rewardStatus   RewardStatus
	donation       DonationState
	poolBalance    string
	cameraDisabled bool
	lastError      string
	closed         bool

	connectInFlight  bool
	captureInFlight  bool
	submitInFlight   bool
	donationInFlight bool
}

// NewSession wires a Session over the three capability contracts.
func NewSession(camera Camera, classifier Classifier, wallet Wallet, options ...SessionOption) (*Session, error) {
	if camera == nil {
		return nil, fmt.Errorf("%w: camera dependency is nil", ErrInvalidSessionConfig)
	}
	if classifier == nil {
		return nil, fmt.Errorf("%w: classifier dependency is nil", ErrInvalidSessionConfig)
	}
	if wallet == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidSessionConfig)
	}
	session := &Session{
		camera:       camera,
		classifier:   classifier,
		wallet:       wallet,
		nowFn:        func() int64 { return time.Now().UTC().Unix() },
		phase:        PhaseAwaitingIdentity,
		captureState: CaptureIdle,
		rewardStatus: RewardNotAttempted,
		donation:     DonationState{Status: DonationIdle},
	}
	for _, option := range options {
		if option != nil {
			option(session)
		}
	}
	return session, nil
}

// Connect establishes identity, then starts the camera, kicks model
// preload, and refreshes the pool balance. The device does not start
// until identity is established. Safe to call again after failure.
func (session *Session) Connect(ctx context.Context) (Address, error) {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return Address{}, WrapError(operationConnect, subjectIdentity, "closed", ErrSessionClosed)
	}
	if session.connected {
		identity := session.identity
		session.mu.Unlock()
		return identity, nil
	}
	if session.connectInFlight {
		session.mu.Unlock()
		return Address{}, WrapError(operationConnect, subjectIdentity, "busy", ErrOperationInFlight)
	}
	session.connectInFlight = true
	session.mu.Unlock()

	identity, connectErr := session.wallet.Connect(ctx)

	session.mu.Lock()
	session.connectInFlight = false
	if connectErr != nil {
		session.recordErrorLocked(connectErr)
		session.mu.Unlock()
		session.logOperation(ctx, OperationLog{Operation: operationConnect, Error: connectErr})
		return Address{}, WrapError(operationConnect, subjectIdentity, "provider", connectErr)
	}
	session.identity = identity
	session.connected = true
	session.phase = PhaseReady
	session.outcome = OutcomeNone
	session.mu.Unlock()

	session.startCamera(ctx)
	go session.preloadModels()
	session.RefreshPoolBalance(ctx)
	session.logOperation(ctx, OperationLog{Operation: operationConnect, Identity: identity.String()})
	return identity, nil
}

// CapturePhoto extracts one still frame while streaming. On success the
// stream is released before the session holds the image.
func (session *Session) CapturePhoto(ctx context.Context) error {
	session.mu.Lock()
	if err := session.requireIdentityLocked(); err != nil {
		session.mu.Unlock()
		return WrapError(operationCapture, subjectCamera, "identity", err)
	}
	if session.captureInFlight || session.submitInFlight {
		session.mu.Unlock()
		return WrapError(operationCapture, subjectCamera, "busy", ErrOperationInFlight)
	}
	if session.phase != PhaseReady || session.captureState != CaptureStreaming {
		session.mu.Unlock()
		return WrapError(operationCapture, subjectCamera, "state", ErrInvalidPhase)
	}
	session.captureInFlight = true
	session.mu.Unlock()

	image, captureErr := session.camera.CaptureFrame(ctx)

	session.mu.Lock()
	session.captureInFlight = false
	if captureErr != nil {
		session.recordErrorLocked(captureErr)
		session.mu.Unlock()
		session.logOperation(ctx, OperationLog{Operation: operationCapture, Error: captureErr})
		return WrapError(operationCapture, subjectImage, "frame", captureErr)
	}
	session.currentImage = image
	session.captureState = CaptureCaptured
	session.analysis = nil
	session.rewardStatus = RewardNotAttempted
	digest := image.Digest()
	session.mu.Unlock()

	session.logOperation(ctx, OperationLog{Operation: operationCapture, ImageDigest: digest})
	return nil
}

// Retake discards the still image and any analysis, then restarts the
// stream. Valid after a capture or any settled outcome; each retaken
// image begins a fresh single-shot reward attempt.
func (session *Session) Retake(ctx context.Context) error {
	session.mu.Lock()
	if err := session.requireIdentityLocked(); err != nil {
		session.mu.Unlock()
		return WrapError(operationRetake, subjectCamera, "identity", err)
	}
	if session.submitInFlight || session.captureInFlight {
		session.mu.Unlock()
		return WrapError(operationRetake, subjectCamera, "busy", ErrOperationInFlight)
	}
	if session.captureState == CaptureStreaming {
		session.mu.Unlock()
		return WrapError(operationRetake, subjectCamera, "state", ErrInvalidPhase)
	}
	session.currentImage = StillImage{}
	session.analysis = nil
	session.rewardStatus = RewardNotAttempted
	session.phase = PhaseReady
	session.outcome = OutcomeNone
	session.captureState = CaptureIdle
	session.lastError = ""
	session.mu.Unlock()

	session.startCamera(ctx)
	session.logOperation(ctx, OperationLog{Operation: operationRetake})

	session.mu.Lock()
	disabled := session.cameraDisabled
	session.mu.Unlock()
	if disabled {
		return WrapError(operationRetake, subjectCamera, "device", ErrDeviceUnavailable)
	}
	return nil
}

// Submit runs the classify → conditional reward sequence for the current
// image. Exactly one classification attempt per image; on a qualifying
// score exactly one reward submission is issued for that image.
func (session *Session) Submit(ctx context.Context) error {
	session.mu.Lock()
	if err := session.requireIdentityLocked(); err != nil {
		session.mu.Unlock()
		return WrapError(operationSubmit, subjectAnalysis, "identity", err)
	}
	if session.submitInFlight {
		session.mu.Unlock()
		return WrapError(operationSubmit, subjectAnalysis, "busy", ErrOperationInFlight)
	}
	if session.phase != PhaseReady || session.captureState != CaptureCaptured || session.currentImage.IsZero() {
		session.mu.Unlock()
		return WrapError(operationSubmit, subjectAnalysis, "state", ErrInvalidPhase)
	}
	session.submitInFlight = true
	session.phase = PhaseAnalyzing
	image := session.currentImage
	identity := session.identity
	session.mu.Unlock()

	if loadErr := session.classifier.LoadModels(ctx); loadErr != nil {
		session.settleSubmitFailure(ctx, loadErr)
		return WrapError(operationSubmit, subjectAnalysis, "model", loadErr)
	}

	confidence, classifyErr := session.classifier.Classify(ctx, image)
	if classifyErr != nil {
		session.settleSubmitFailure(ctx, classifyErr)
		return WrapError(operationSubmit, subjectAnalysis, "classify", classifyErr)
	}

	analysis := Analysis{Confidence: confidence, Qualifies: confidence.Qualifies()}

	session.mu.Lock()
	session.analysis = &analysis
	if !analysis.Qualifies {
		session.phase = PhaseSettled
		session.outcome = OutcomeNotSmiling
		session.submitInFlight = false
		session.mu.Unlock()
		session.logOperation(ctx, OperationLog{
			Operation:   operationSubmit,
			Identity:    identity.String(),
			ImageDigest: image.Digest(),
			Confidence:  confidence.Float64(),
		})
		return nil
	}
	if session.rewardStatus == RewardSent {
		session.phase = PhaseSettled
		session.outcome = OutcomeRewarded
		session.submitInFlight = false
		session.mu.Unlock()
		return WrapError(operationReward, subjectLedger, "duplicate", ErrDuplicateReceipt)
	}
	session.phase = PhaseRewarding
	session.rewardStatus = RewardPending
	session.mu.Unlock()

	txHash, rewardErr := session.wallet.SubmitReward(ctx, identity)

	session.mu.Lock()
	session.submitInFlight = false
	if rewardErr != nil {
		session.rewardStatus = RewardFailed
		session.phase = PhaseSettled
		session.outcome = OutcomeFailed
		session.recordErrorLocked(rewardErr)
		session.mu.Unlock()
		session.logOperation(ctx, OperationLog{
			Operation:   operationReward,
			Identity:    identity.String(),
			ImageDigest: image.Digest(),
			Confidence:  confidence.Float64(),
			Error:       rewardErr,
		})
		return WrapError(operationReward, subjectLedger, "submit", rewardErr)
	}
	session.rewardStatus = RewardSent
	session.phase = PhaseSettled
	session.outcome = OutcomeRewarded
	session.currentImage = StillImage{}
	session.captureState = CaptureIdle
	session.mu.Unlock()

	session.saveReceipt(ctx, Receipt{
		Kind:           ReceiptReward,
		Address:        identity.String(),
		TxHash:         txHash.String(),
		IdempotencyKey: image.Digest(),
		CreatedUnixUTC: session.nowFn(),
	})
	session.logOperation(ctx, OperationLog{
		Operation:   operationReward,
		Identity:    identity.String(),
		ImageDigest: image.Digest(),
		Confidence:  confidence.Float64(),
		TxHash:      txHash.String(),
	})
	return nil
}

// Donate transfers a validated amount to the reward pool. Fully
// decoupled from the capture/reward cycle; a successful donation
// schedules exactly one balance refresh.
func (session *Session) Donate(ctx context.Context, amount DonationAmount) error {
	session.mu.Lock()
	if err := session.requireIdentityLocked(); err != nil {
		session.mu.Unlock()
		return WrapError(operationDonate, subjectLedger, "identity", err)
	}
	if session.donationInFlight {
		session.mu.Unlock()
		return WrapError(operationDonate, subjectLedger, "busy", ErrOperationInFlight)
	}
	session.donationInFlight = true
	session.donation = DonationState{Amount: amount.String(), Status: DonationPending}
	identity := session.identity
	session.mu.Unlock()

	txHash, donateErr := session.wallet.SubmitDonation(ctx, identity, amount)

	session.mu.Lock()
	session.donationInFlight = false
	if donateErr != nil {
		session.donation.Status = DonationFailed
		session.recordErrorLocked(donateErr)
		session.mu.Unlock()
		session.logOperation(ctx, OperationLog{
			Operation: operationDonate,
			Identity:  identity.String(),
			Amount:    amount.String(),
			Error:     donateErr,
		})
		return WrapError(operationDonate, subjectLedger, "submit", donateErr)
	}
	session.donation.Status = DonationDone
	session.mu.Unlock()

	session.saveReceipt(ctx, Receipt{
		Kind:           ReceiptDonation,
		Address:        identity.String(),
		Amount:         amount.String(),
		TxHash:         txHash.String(),
		IdempotencyKey: fmt.Sprintf("donation:%s", txHash.String()),
		CreatedUnixUTC: session.nowFn(),
	})
	session.RefreshPoolBalance(ctx)
	session.logOperation(ctx, OperationLog{
		Operation: operationDonate,
		Identity:  identity.String(),
		Amount:    amount.String(),
		TxHash:    txHash.String(),
	})
	return nil
}

// RefreshPoolBalance re-reads the pool balance. Best effort: failures
// are logged, the previous cached value stays visible.
func (session *Session) RefreshPoolBalance(ctx context.Context) {
	balance, balanceErr := session.wallet.PoolBalance(ctx)
	if balanceErr != nil {
		session.logOperation(ctx, OperationLog{Operation: operationBalance, Error: balanceErr})
		return
	}
	session.mu.Lock()
	session.poolBalance = balance
	session.mu.Unlock()
	session.logOperation(ctx, OperationLog{Operation: operationBalance, Amount: balance})
}

// ClearError dismisses the last surfaced error.
func (session *Session) ClearError() {
	session.mu.Lock()
	session.lastError = ""
	session.mu.Unlock()
}

// Close releases the camera regardless of cycle state. Idempotent.
func (session *Session) Close() {
	session.mu.Lock()
	alreadyClosed := session.closed
	session.closed = true
	session.captureState = CaptureIdle
	session.mu.Unlock()
	if !alreadyClosed {
		session.camera.Stop()
		session.logOperation(context.Background(), OperationLog{Operation: operationClose})
	}
}

// Snapshot returns a copy of the observable session state.
func (session *Session) Snapshot() Snapshot {
	session.mu.Lock()
	defer session.mu.Unlock()
	var analysis *Analysis
	if session.analysis != nil {
		copied := *session.analysis
		analysis = &copied
	}
	return Snapshot{
		Identity:       session.identity.String(),
		Connected:      session.connected,
		Phase:          session.phase,
		Outcome:        session.outcome,
		CaptureState:   session.captureState,
		HasImage:       !session.currentImage.IsZero(),
		ImageDigest:    session.currentImage.Digest(),
		Analysis:       analysis,
		RewardStatus:   session.rewardStatus,
		Donation:       session.donation,
		PoolBalance:    session.poolBalance,
		CameraDisabled: session.cameraDisabled,
		LastError:      session.lastError,
	}
}

func (session *Session) startCamera(ctx context.Context) {
	startErr := session.camera.Start(ctx)
	session.mu.Lock()
	if startErr != nil {
		session.cameraDisabled = true
		session.captureState = CaptureIdle
		session.recordErrorLocked(startErr)
		session.mu.Unlock()
		session.logOperation(ctx, OperationLog{Operation: operationCapture, Error: startErr})
		return
	}
	session.cameraDisabled = false
	session.captureState = CaptureStreaming
	session.mu.Unlock()
}

func (session *Session) preloadModels() {
	if loadErr := session.classifier.LoadModels(context.Background()); loadErr != nil {
		session.logOperation(context.Background(), OperationLog{Operation: operationSubmit, Error: loadErr})
	}
}

// settleSubmitFailure returns the cycle to Ready/Captured so the user
// can retake or submit again.
func (session *Session) settleSubmitFailure(ctx context.Context, cause error) {
	session.mu.Lock()
	session.submitInFlight = false
	session.phase = PhaseReady
	session.recordErrorLocked(cause)
	session.mu.Unlock()
	session.logOperation(ctx, OperationLog{Operation: operationSubmit, Error: cause})
}

func (session *Session) saveReceipt(ctx context.Context, receipt Receipt) {
	if session.receipts == nil {
		return
	}
	saveErr := session.receipts.SaveReceipt(ctx, receipt)
	if saveErr != nil && !errors.Is(saveErr, ErrDuplicateReceipt) {
		session.logOperation(ctx, OperationLog{Operation: receiptOperation(receipt.Kind), Error: saveErr})
	}
}

func (session *Session) requireIdentityLocked() error {
	if session.closed {
		return ErrSessionClosed
	}
	if !session.connected {
		return ErrIdentityRequired
	}
	return nil
}

func (session *Session) recordErrorLocked(cause error) {
	if cause != nil {
		session.lastError = cause.Error()
	}
}

func (session *Session) logOperation(ctx context.Context, entry OperationLog) {
	if session.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	session.logger.LogOperation(ctx, entry)
}

func receiptOperation(kind ReceiptKind) string {
	if kind == ReceiptDonation {
		return operationDonate
	}
	return operationReward
}
