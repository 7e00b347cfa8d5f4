package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"go.uber.org/zap"
)

// FrameSource is the raw device boundary: a front-facing video source
// that can be opened, sampled, and released.
type FrameSource interface {
	// Open acquires the device. Fails when permission is denied or no
	// device exists.
	Open(ctx context.Context) error
	// Frame returns the most recent frame. Fails while the source is
	// still warming up.
	Frame(ctx context.Context) (image.Image, error)
	// Close releases the device. Safe to call when already closed.
	Close() error
}

// Session implements smilecredit.Camera over a FrameSource. Captured
// frames are mirrored horizontally to match the mirrored live preview
// and encoded losslessly.
type Session struct {
	source FrameSource
	logger *zap.Logger

	mu        sync.Mutex
	streaming bool
}

// New wires a capture session.
func New(source FrameSource, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{source: source, logger: logger}
}

// Start acquires the device stream.
func (session *Session) Start(ctx context.Context) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.streaming {
		return nil
	}
	if err := session.source.Open(ctx); err != nil {
		session.logger.Warn("camera open failed", zap.Error(err))
		return fmt.Errorf("%w: %v", smilecredit.ErrDeviceUnavailable, err)
	}
	session.streaming = true
	return nil
}

// Stop releases any active stream. Idempotent.
func (session *Session) Stop() {
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.streaming {
		return
	}
	session.streaming = false
	if err := session.source.Close(); err != nil {
		session.logger.Warn("camera close failed", zap.Error(err))
	}
}

// CaptureFrame snapshots the live frame, mirrors it, encodes PNG, and
// releases the stream before returning the still.
func (session *Session) CaptureFrame(ctx context.Context) (smilecredit.StillImage, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.streaming {
		return smilecredit.StillImage{}, fmt.Errorf("%w: stream not active", smilecredit.ErrCaptureFailed)
	}
	frame, err := session.source.Frame(ctx)
	if err != nil {
		return smilecredit.StillImage{}, fmt.Errorf("%w: %v", smilecredit.ErrCaptureFailed, err)
	}
	if frame == nil || frame.Bounds().Empty() {
		return smilecredit.StillImage{}, fmt.Errorf("%w: empty frame", smilecredit.ErrCaptureFailed)
	}

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, mirrorHorizontal(frame)); err != nil {
		return smilecredit.StillImage{}, fmt.Errorf("%w: encode: %v", smilecredit.ErrCaptureFailed, err)
	}
	still, err := smilecredit.NewStillImage(encoded.Bytes())
	if err != nil {
		return smilecredit.StillImage{}, fmt.Errorf("%w: %v", smilecredit.ErrCaptureFailed, err)
	}

	session.streaming = false
	if closeErr := session.source.Close(); closeErr != nil {
		session.logger.Warn("camera close failed", zap.Error(closeErr))
	}
	return still, nil
}

func mirrorHorizontal(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	mirrored := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			mirrored.Set(width-1-x, y, src.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return mirrored
}
