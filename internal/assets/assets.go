package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"restorebot/internal/utils"

	"go.uber.org/zap"
	"golang.org/x/image/webp"
)

var (
	ErrHostNotAllowed = errors.New("asset host not allowed")
	ErrTooLarge       = errors.New("asset exceeds size limit")
)

type Config struct {
	MaxBytes     int64
	Timeout      time.Duration
	AllowedHosts []string
}

// Store downloads guild assets and keeps them next to a backup.
type Store struct {
	client   *http.Client
	maxBytes int64
	hosts    []string
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		hosts:    cfg.AllowedHosts,
		logger:   logger,
	}
}

func (s *Store) Fetch(ctx context.Context, url string) ([]byte, error) {
	if !utils.HostAllowed(url, s.hosts) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, url)
	}
	return data, nil
}

// Save downloads url into path, creating parent directories.
func (s *Store) Save(ctx context.Context, url, path string) error {
	data, err := s.Fetch(ctx, url)
	if err != nil {
		return err
	}
	data = s.Normalize(data)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Normalize re-encodes still webp images as png. Anything else, including
// images that fail to decode, is returned unchanged.
func (s *Store) Normalize(data []byte) []byte {
	if http.DetectContentType(data) != "image/webp" {
		return data
	}
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		s.logger.Debug("webp decode failed, keeping original", zap.Error(err))
		return data
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return data
	}
	return buf.Bytes()
}

func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func DataURI(data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(data), base64.StdEncoding.EncodeToString(data))
}
