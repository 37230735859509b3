// Package media downloads message attachments from the provider's CDN.
// Media URLs are account-protected, so requests carry the account's basic
// auth credentials and follow the CDN's redirects.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxAttachmentBytes = 16 << 20

// Fetcher retrieves attachment bytes with account credentials.
type Fetcher struct {
	client   *http.Client
	username string
	password string
}

func NewFetcher(accountSID, authToken string) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		username: accountSID,
		password: authToken,
	}
}

// Fetch downloads the attachment behind url. Any non-200 terminal status
// is an error; the caller decides whether to re-prompt the user.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build request: %w", err)
	}
	req.SetBasicAuth(f.username, f.password)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("media: read body: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("media: attachment exceeds %d bytes", maxAttachmentBytes)
	}
	return data, nil
}
