package portrait

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidUpload is returned for uploads that are not decodable images.
var ErrInvalidUpload = errors.New("invalid portrait upload")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SaveUpload stores an uploaded portrait in dir as custom_<unix>_<name> and
// returns the variant name that loads it.
func SaveUpload(dir, filename string, data []byte, now time.Time) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidUpload, err)
	}
	ext := ".png"
	if format == "jpeg" {
		ext = ".jpg"
	} else if format != "png" {
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidUpload, format)
	}

	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "_")
	if base == "" {
		base = "portrait"
	}
	variant := fmt.Sprintf("custom_%d_%s", now.Unix(), base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create avatar dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, variant+ext), data, 0o644); err != nil {
		return "", fmt.Errorf("write portrait: %w", err)
	}
	return variant, nil
}
