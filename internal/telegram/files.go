package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
)

// Files downloads chat attachments.
type Files struct {
	api    API
	client *http.Client
}

// NewFiles creates a downloader. A nil client gets a 60s timeout client.
func NewFiles(api API, client *http.Client) *Files {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Files{api: api, client: client}
}

// Open returns a lazy opener for fileID; nothing is fetched until it is called.
func (f *Files) Open(fileID string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return f.download(ctx, fileID)
	}
}

func (f *Files) download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	file, err := f.api.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("resolving file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.api.FileDownloadLink(file), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading file: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
