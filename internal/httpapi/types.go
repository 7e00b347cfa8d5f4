package httpapi

import "github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"

// ConnectEnvelope is returned after a successful wallet connection.
type ConnectEnvelope struct {
	Token   string         `json:"token"`
	Session SessionPayload `json:"session"`
}

// SessionEnvelope wraps the session snapshot.
type SessionEnvelope struct {
	Session SessionPayload `json:"session"`
}

// SessionPayload mirrors the session snapshot for the UI.
type SessionPayload struct {
	Identity       string           `json:"identity"`
	Connected      bool             `json:"connected"`
	Phase          string           `json:"phase"`
	Outcome        string           `json:"outcome"`
	CaptureState   string           `json:"capture_state"`
	HasImage       bool             `json:"has_image"`
	Analysis       *AnalysisPayload `json:"analysis,omitempty"`
	RewardStatus   string           `json:"reward_status"`
	Donation       DonationPayload  `json:"donation"`
	PoolBalance    string           `json:"pool_balance"`
	CameraDisabled bool             `json:"camera_disabled"`
	LastError      string           `json:"last_error,omitempty"`
}

// AnalysisPayload is the classifier verdict for the captured image.
type AnalysisPayload struct {
	Confidence float64 `json:"confidence"`
	Qualifies  bool    `json:"qualifies"`
}

// DonationPayload mirrors the donation sub-flow state.
type DonationPayload struct {
	Amount string `json:"amount"`
	Status string `json:"status"`
}

// DonateRequest carries the donation amount in ether units.
type DonateRequest struct {
	Amount string `json:"amount"`
}

// ReceiptsEnvelope wraps the receipt history.
type ReceiptsEnvelope struct {
	Receipts []ReceiptPayload `json:"receipts"`
}

// ReceiptPayload mirrors one persisted submission.
type ReceiptPayload struct {
	Kind           string `json:"kind"`
	Address        string `json:"address"`
	Amount         string `json:"amount,omitempty"`
	TxHash         string `json:"tx_hash"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sessionPayloadFrom(snapshot smilecredit.Snapshot) SessionPayload {
	payload := SessionPayload{
		Identity:       snapshot.Identity,
		Connected:      snapshot.Connected,
		Phase:          string(snapshot.Phase),
		Outcome:        string(snapshot.Outcome),
		CaptureState:   string(snapshot.CaptureState),
		HasImage:       snapshot.HasImage,
		RewardStatus:   string(snapshot.RewardStatus),
		Donation:       DonationPayload{Amount: snapshot.Donation.Amount, Status: string(snapshot.Donation.Status)},
		PoolBalance:    snapshot.PoolBalance,
		CameraDisabled: snapshot.CameraDisabled,
		LastError:      snapshot.LastError,
	}
	if snapshot.Analysis != nil {
		payload.Analysis = &AnalysisPayload{
			Confidence: snapshot.Analysis.Confidence.Float64(),
			Qualifies:  snapshot.Analysis.Qualifies,
		}
	}
	return payload
}

func receiptPayloadsFrom(receipts []smilecredit.Receipt) []ReceiptPayload {
	payloads := make([]ReceiptPayload, 0, len(receipts))
	for _, receipt := range receipts {
		payloads = append(payloads, ReceiptPayload{
			Kind:           string(receipt.Kind),
			Address:        receipt.Address,
			Amount:         receipt.Amount,
			TxHash:         receipt.TxHash,
			IdempotencyKey: receipt.IdempotencyKey,
			CreatedUnixUTC: receipt.CreatedUnixUTC,
		})
	}
	return payloads
}
