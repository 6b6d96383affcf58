package portrait

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
)

const maxPortraitBytes = 8 << 20

// HTTPSource downloads portraits from a per-variant URL map. Variants
// without an entry use the "default" URL.
type HTTPSource struct {
	URLs   map[string]string
	Client *http.Client
}

func NewHTTPSource(urls map[string]string) *HTTPSource {
	return &HTTPSource{URLs: urls, Client: http.DefaultClient}
}

func (h *HTTPSource) Fetch(ctx context.Context, variant string) (image.Image, error) {
	url, ok := h.URLs[variant]
	if !ok {
		url, ok = h.URLs["default"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no url for variant %q", ErrFetch, variant)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %s", ErrFetch, url, resp.Status)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxPortraitBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrFetch, url, err)
	}
	return img, nil
}
