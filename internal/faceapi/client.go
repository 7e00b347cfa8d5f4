package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"go.uber.org/zap"
)

const (
	pathLoadModels = "/v1/models/load"
	pathClassify   = "/v1/classify"

	expressionHappy = "happy"

	errorCodeModelLoading = "model_loading"

	defaultTimeout = 15 * time.Second
)

// Client talks to the face inference sidecar over HTTP. It implements
// smilecredit.Classifier: one classification attempt per call, no
// retries, model load latched once per process.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	loadMu sync.Mutex
	loaded bool
}

// New wires a classifier client against the sidecar base URL.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// LoadModels warms the sidecar's inference assets. Success is latched:
// later calls return immediately. Safe to race; a failed load may be
// retried by the next caller.
func (client *Client) LoadModels(ctx context.Context) error {
	client.loadMu.Lock()
	defer client.loadMu.Unlock()
	if client.loaded {
		return nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+pathLoadModels, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", smilecredit.ErrModelUnavailable, err)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("model load request failed", zap.Error(err))
		return fmt.Errorf("%w: %v", smilecredit.ErrModelUnavailable, err)
	}
	defer drainAndClose(response.Body)
	if response.StatusCode != http.StatusOK {
		client.logger.Warn("model load rejected", zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: sidecar status %d", smilecredit.ErrModelUnavailable, response.StatusCode)
	}
	client.loaded = true
	return nil
}

// Classify submits the PNG still and returns the smiling likelihood for
// exactly one detected face.
func (client *Client) Classify(ctx context.Context, image smilecredit.StillImage) (smilecredit.Confidence, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+pathClassify, bytes.NewReader(image.PNG()))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
	}
	request.Header.Set("Content-Type", "image/png")

	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("classify request failed", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
	}
	defer drainAndClose(response.Body)

	if response.StatusCode == http.StatusServiceUnavailable {
		if decodeErrorCode(response.Body) == errorCodeModelLoading {
			return 0, fmt.Errorf("%w: sidecar still loading", smilecredit.ErrModelUnavailable)
		}
		return 0, fmt.Errorf("%w: sidecar unavailable", smilecredit.ErrTransportFailure)
	}
	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: sidecar status %d", smilecredit.ErrTransportFailure, response.StatusCode)
	}

	var payload classifyResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", smilecredit.ErrTransportFailure, err)
	}
	if len(payload.Faces) != 1 {
		return 0, fmt.Errorf("%w: %d faces", smilecredit.ErrNoFaceDetected, len(payload.Faces))
	}
	confidence, err := smilecredit.NewConfidence(payload.Faces[0].Expressions[expressionHappy])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
	}
	return confidence, nil
}

type classifyResponse struct {
	Faces []faceDetection `json:"faces"`
}

type faceDetection struct {
	Expressions map[string]float64 `json:"expressions"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeErrorCode(body io.Reader) string {
	var envelope errorEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return ""
	}
	return envelope.Error.Code
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
