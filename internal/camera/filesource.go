package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
)

// FileSource serves frames from a still file on disk. Deployments point
// it at a path that a device feeder (for example a v4l2 grabber) keeps
// overwriting with the latest frame.
type FileSource struct {
	path string

	mu   sync.Mutex
	open bool
}

// NewFileSource builds a frame source over the given file path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Open verifies the frame file is reachable.
func (source *FileSource) Open(_ context.Context) error {
	source.mu.Lock()
	defer source.mu.Unlock()
	info, err := os.Stat(source.path)
	if err != nil {
		return fmt.Errorf("frame file %s: %w", source.path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("frame file %s is a directory", source.path)
	}
	source.open = true
	return nil
}

// Frame decodes the current contents of the frame file.
func (source *FileSource) Frame(_ context.Context) (image.Image, error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	if !source.open {
		return nil, fmt.Errorf("frame source not open")
	}
	file, err := os.Open(source.path)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	defer file.Close()
	frame, _, decodeErr := image.Decode(file)
	if decodeErr != nil {
		return nil, fmt.Errorf("decode frame: %w", decodeErr)
	}
	return frame, nil
}

// Close releases the source. Safe to call when already closed.
func (source *FileSource) Close() error {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.open = false
	return nil
}
