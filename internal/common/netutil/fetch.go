// Package netutil fetches engine inputs, such as revocation lists published
// by a license server, over HTTP.
package netutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

// DefaultTimeout bounds a whole fetch.
const DefaultTimeout = 30 * time.Second

var client = &http.Client{Timeout: DefaultTimeout}

// IsURL reports whether s names an http or https resource.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Fetch downloads url into memory. Bodies larger than maxSize bytes are
// rejected.
func Fetch(ctx context.Context, url string, maxSize int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidArgument, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrDownloadFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP status %d", errors.ErrDownloadFailed, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrDownloadFailed, url, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errors.ErrDownloadFailed, url, maxSize)
	}
	return data, nil
}
