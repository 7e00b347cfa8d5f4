package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testIdentity = "0x52908400098527886e0f7030069857d2e4169ee7"

type stubCamera struct {
	mu       sync.Mutex
	startErr error
	frame    smilecredit.StillImage
	frameErr error
	started  int
	stopped  int
}

func (camera *stubCamera) Start(context.Context) error {
	camera.mu.Lock()
	defer camera.mu.Unlock()
	if camera.startErr != nil {
		return camera.startErr
	}
	camera.started++
	return nil
}

func (camera *stubCamera) Stop() {
	camera.mu.Lock()
	defer camera.mu.Unlock()
	camera.stopped++
}

func (camera *stubCamera) CaptureFrame(context.Context) (smilecredit.StillImage, error) {
	camera.mu.Lock()
	defer camera.mu.Unlock()
	if camera.frameErr != nil {
		return smilecredit.StillImage{}, camera.frameErr
	}
	return camera.frame, nil
}

type stubClassifier struct {
	confidence  float64
	classifyErr error
}

func (classifier *stubClassifier) LoadModels(context.Context) error { return nil }

func (classifier *stubClassifier) Classify(context.Context, smilecredit.StillImage) (smilecredit.Confidence, error) {
	if classifier.classifyErr != nil {
		return 0, classifier.classifyErr
	}
	return smilecredit.Confidence(classifier.confidence), nil
}

type stubWallet struct {
	mu         sync.Mutex
	connectErr error
	rewards    int
	donations  int
	balance    string
}

func (wallet *stubWallet) Connect(context.Context) (smilecredit.Address, error) {
	if wallet.connectErr != nil {
		return smilecredit.Address{}, wallet.connectErr
	}
	return smilecredit.NewAddress(testIdentity)
}

func (wallet *stubWallet) SubmitReward(context.Context, smilecredit.Address) (smilecredit.TxHash, error) {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	wallet.rewards++
	return smilecredit.TxHash("0xreward"), nil
}

func (wallet *stubWallet) SubmitDonation(context.Context, smilecredit.Address, smilecredit.DonationAmount) (smilecredit.TxHash, error) {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	wallet.donations++
	return smilecredit.TxHash("0xdonation"), nil
}

func (wallet *stubWallet) PoolBalance(context.Context) (string, error) {
	if wallet.balance == "" {
		return "4.2", nil
	}
	return wallet.balance, nil
}

func (wallet *stubWallet) rewardCount() int {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	return wallet.rewards
}

func (wallet *stubWallet) donationCount() int {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	return wallet.donations
}

type memoryReceipts struct {
	mu       sync.Mutex
	receipts []smilecredit.Receipt
}

func (store *memoryReceipts) SaveReceipt(_ context.Context, receipt smilecredit.Receipt) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.receipts {
		if existing.Address == receipt.Address && existing.IdempotencyKey == receipt.IdempotencyKey {
			return smilecredit.ErrDuplicateReceipt
		}
	}
	store.receipts = append(store.receipts, receipt)
	return nil
}

func (store *memoryReceipts) ListReceipts(_ context.Context, address string, limit int) ([]smilecredit.Receipt, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]smilecredit.Receipt, 0, len(store.receipts))
	for index := len(store.receipts) - 1; index >= 0 && len(matched) < limit; index-- {
		if store.receipts[index].Address == address {
			matched = append(matched, store.receipts[index])
		}
	}
	return matched, nil
}

type testFixture struct {
	router   *gin.Engine
	manager  *Manager
	camera   *stubCamera
	wallet   *stubWallet
	receipts *memoryReceipts
}

func testImage(test *testing.T) smilecredit.StillImage {
	test.Helper()
	image, err := smilecredit.NewStillImage([]byte("\x89PNG\r\n\x1a\ntest-frame"))
	if err != nil {
		test.Fatalf("build test image: %v", err)
	}
	return image
}

func newTestFixture(test *testing.T, classifier *stubClassifier) *testFixture {
	test.Helper()
	camera := &stubCamera{frame: testImage(test)}
	wallet := &stubWallet{}
	receipts := &memoryReceipts{}
	factory := func() (*smilecredit.Session, error) {
		return smilecredit.NewSession(camera, classifier, wallet, smilecredit.WithReceiptStore(receipts))
	}
	manager, err := NewManager(factory)
	if err != nil {
		test.Fatalf("new manager: %v", err)
	}
	cfg := Config{SessionSigningKey: "test-signing-key"}
	if validateErr := cfg.Validate(); validateErr != nil {
		test.Fatalf("validate config: %v", validateErr)
	}
	handler := &httpHandler{
		logger:   zap.NewNop(),
		cfg:      cfg,
		manager:  manager,
		receipts: receipts,
	}
	return &testFixture{
		router:   setupRouter(cfg, handler, manager),
		manager:  manager,
		camera:   camera,
		wallet:   wallet,
		receipts: receipts,
	}
}

func (fixture *testFixture) do(test *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set(authorizationHeader, bearerPrefix+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *testFixture) connect(test *testing.T) (string, SessionPayload) {
	test.Helper()
	recorder := fixture.do(test, http.MethodPost, "/api/connect", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("connect status %d body %s", recorder.Code, recorder.Body.String())
	}
	var envelope ConnectEnvelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		test.Fatalf("decode connect envelope: %v", err)
	}
	if envelope.Token == "" {
		test.Fatal("expected non-empty session token")
	}
	return envelope.Token, envelope.Session
}

func decodeSession(test *testing.T, recorder *httptest.ResponseRecorder) SessionPayload {
	test.Helper()
	var envelope SessionEnvelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		test.Fatalf("decode session envelope: %v", err)
	}
	return envelope.Session
}

func decodeError(test *testing.T, recorder *httptest.ResponseRecorder) ErrorPayload {
	test.Helper()
	var envelope ErrorEnvelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		test.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error
}

func TestConnectIssuesTokenAndReadySession(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	token, payload := fixture.connect(test)
	if payload.Phase != string(smilecredit.PhaseReady) {
		test.Fatalf("expected ready phase, got %q", payload.Phase)
	}
	if payload.Identity != testIdentity {
		test.Fatalf("expected identity %q, got %q", testIdentity, payload.Identity)
	}
	claims, err := parseSessionToken(Config{SessionSigningKey: "test-signing-key", SessionIssuer: defaultSessionIssuer}, token)
	if err != nil {
		test.Fatalf("parse issued token: %v", err)
	}
	if claims.Address != testIdentity {
		test.Fatalf("token address %q does not match identity", claims.Address)
	}
}

func TestConnectFailureReleasesSession(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	fixture.wallet.connectErr = smilecredit.ErrUserRejected

	recorder := fixture.do(test, http.MethodPost, "/api/connect", "", nil)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	if payload := decodeError(test, recorder); payload.Code != "user_rejected" {
		test.Fatalf("expected user_rejected code, got %q", payload.Code)
	}
}

func TestRequestsWithoutTokenAreRejected(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/session"},
		{http.MethodPost, "/api/capture"},
		{http.MethodPost, "/api/submit"},
		{http.MethodGet, "/api/receipts"},
	} {
		recorder := fixture.do(test, route.method, route.path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			test.Fatalf("%s %s: expected 401, got %d", route.method, route.path, recorder.Code)
		}
	}
}

func TestTokenForClosedSessionIsRejected(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	token, _ := fixture.connect(test)
	fixture.manager.CloseAll()

	recorder := fixture.do(test, http.MethodGet, "/api/session", token, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 after close, got %d", recorder.Code)
	}
}

func TestCaptureSubmitRewardFlow(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.93})
	token, _ := fixture.connect(test)

	captureRecorder := fixture.do(test, http.MethodPost, "/api/capture", token, nil)
	if captureRecorder.Code != http.StatusOK {
		test.Fatalf("capture status %d body %s", captureRecorder.Code, captureRecorder.Body.String())
	}
	captured := decodeSession(test, captureRecorder)
	if captured.CaptureState != string(smilecredit.CaptureCaptured) || !captured.HasImage {
		test.Fatalf("expected captured still, got %+v", captured)
	}

	submitRecorder := fixture.do(test, http.MethodPost, "/api/submit", token, nil)
	if submitRecorder.Code != http.StatusOK {
		test.Fatalf("submit status %d body %s", submitRecorder.Code, submitRecorder.Body.String())
	}
	settled := decodeSession(test, submitRecorder)
	if settled.Phase != string(smilecredit.PhaseSettled) {
		test.Fatalf("expected settled phase, got %q", settled.Phase)
	}
	if settled.Outcome != string(smilecredit.OutcomeRewarded) {
		test.Fatalf("expected rewarded outcome, got %q", settled.Outcome)
	}
	if settled.RewardStatus != string(smilecredit.RewardSent) {
		test.Fatalf("expected sent reward status, got %q", settled.RewardStatus)
	}
	if fixture.wallet.rewardCount() != 1 {
		test.Fatalf("expected one ledger reward, got %d", fixture.wallet.rewardCount())
	}
}

func TestSubmitWithoutFaceReturnsUnprocessable(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{classifyErr: smilecredit.ErrNoFaceDetected})
	token, _ := fixture.connect(test)
	fixture.do(test, http.MethodPost, "/api/capture", token, nil)

	recorder := fixture.do(test, http.MethodPost, "/api/submit", token, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("expected 422, got %d body %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeError(test, recorder); payload.Code != "no_face_detected" {
		test.Fatalf("expected no_face_detected code, got %q", payload.Code)
	}
	if fixture.wallet.rewardCount() != 0 {
		test.Fatal("ledger must not be touched when no face is found")
	}
}

func TestDonateRejectsInvalidAmountBeforeWallet(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	token, _ := fixture.connect(test)

	for _, amount := range []string{"", "0", "-1", "abc"} {
		recorder := fixture.do(test, http.MethodPost, "/api/donate", token, DonateRequest{Amount: amount})
		if recorder.Code != http.StatusBadRequest {
			test.Fatalf("amount %q: expected 400, got %d", amount, recorder.Code)
		}
	}
	if fixture.wallet.donationCount() != 0 {
		test.Fatalf("wallet called %d times for invalid amounts", fixture.wallet.donationCount())
	}
}

func TestDonateConfirmsAndPersistsReceipt(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	token, _ := fixture.connect(test)

	recorder := fixture.do(test, http.MethodPost, "/api/donate", token, DonateRequest{Amount: "0.05"})
	if recorder.Code != http.StatusOK {
		test.Fatalf("donate status %d body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeSession(test, recorder)
	if payload.Donation.Status != string(smilecredit.DonationDone) {
		test.Fatalf("expected confirmed donation, got %q", payload.Donation.Status)
	}
	if fixture.wallet.donationCount() != 1 {
		test.Fatalf("expected one donation submission, got %d", fixture.wallet.donationCount())
	}

	receiptsRecorder := fixture.do(test, http.MethodGet, "/api/receipts", token, nil)
	if receiptsRecorder.Code != http.StatusOK {
		test.Fatalf("receipts status %d", receiptsRecorder.Code)
	}
	var envelope ReceiptsEnvelope
	if err := json.Unmarshal(receiptsRecorder.Body.Bytes(), &envelope); err != nil {
		test.Fatalf("decode receipts: %v", err)
	}
	if len(envelope.Receipts) != 1 {
		test.Fatalf("expected one receipt, got %d", len(envelope.Receipts))
	}
	if envelope.Receipts[0].Kind != string(smilecredit.ReceiptDonation) {
		test.Fatalf("expected donation receipt, got %q", envelope.Receipts[0].Kind)
	}
}

func TestClearErrorResetsLastError(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{classifyErr: smilecredit.ErrNoFaceDetected})
	token, _ := fixture.connect(test)
	fixture.do(test, http.MethodPost, "/api/capture", token, nil)
	fixture.do(test, http.MethodPost, "/api/submit", token, nil)

	recorder := fixture.do(test, http.MethodDelete, "/api/error", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("clear error status %d", recorder.Code)
	}
	if payload := decodeSession(test, recorder); payload.LastError != "" {
		test.Fatalf("expected cleared error, got %q", payload.LastError)
	}
}

func TestCloseSessionReleasesCamera(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	token, _ := fixture.connect(test)

	recorder := fixture.do(test, http.MethodDelete, "/api/session", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("close status %d", recorder.Code)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fixture.camera.mu.Lock()
		stopped := fixture.camera.stopped
		fixture.camera.mu.Unlock()
		if stopped > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	test.Fatal("camera was not released on session close")
}

func TestHealthzIsOpen(test *testing.T) {
	test.Parallel()
	fixture := newTestFixture(test, &stubClassifier{confidence: 0.95})
	recorder := fixture.do(test, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("healthz status %d", recorder.Code)
	}
}
