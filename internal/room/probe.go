package room

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"time"
)

// ImageInfo is the result of probing a remote image.
type ImageInfo struct {
	Width    int
	Height   int
	MimeType string
}

// ImageProber resolves the dimensions and media type of an image by URL.
// Page synthesis uses it when the caller supplied neither width nor height.
type ImageProber interface {
	Probe(ctx context.Context, url string) (ImageInfo, error)
}

// HTTPProber fetches the image over HTTP and decodes only its header.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber builds a prober with a bounded request timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) (ImageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("room: build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("room: fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ImageInfo{}, fmt.Errorf("room: fetch image: unexpected status %d", resp.StatusCode)
	}

	cfg, format, err := image.DecodeConfig(resp.Body)
	if err != nil {
		return ImageInfo{}, errors.New("room: unrecognised image format")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/" + format
	}

	return ImageInfo{Width: cfg.Width, Height: cfg.Height, MimeType: mime}, nil
}
