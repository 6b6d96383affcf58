// Package portrait acquires base portraits for avatar variants.
//
// A Loader never fails: when neither an uploaded file nor the configured
// source yields a usable image, it substitutes a synthesized face of the
// same canonical size.
package portrait

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"
)

// ErrFetch marks a portrait that could not be acquired.
var ErrFetch = errors.New("portrait fetch failed")

// Source fetches the portrait for a variant.
type Source interface {
	Fetch(ctx context.Context, variant string) (image.Image, error)
}

// Extensions are tried in order when looking up a portrait on disk.
var Extensions = []string{".png", ".jpg", ".jpeg"}

// FileSource reads portraits from a directory, named <variant><ext>.
type FileSource struct {
	Dir string
}

func (f FileSource) Fetch(ctx context.Context, variant string) (image.Image, error) {
	if variant == "" || filepath.Base(variant) != variant || strings.HasPrefix(variant, ".") {
		return nil, fmt.Errorf("%w: invalid portrait name %q", ErrFetch, variant)
	}
	for _, ext := range Extensions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(f.Dir, variant+ext)
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		img, _, err := image.Decode(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrFetch, path, err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: no portrait file for %q", ErrFetch, variant)
}
