package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultSTIXURL is the enterprise ATT&CK bundle published by MITRE.
const DefaultSTIXURL = "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json"

// Downloader fetches source documents over HTTP.
type Downloader struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewDownloader creates a Downloader whose requests time out after timeout.
func NewDownloader(timeout time.Duration, logger *zap.Logger) *Downloader {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Download writes the body of url to dst. The file is written to a sibling
// temp file first and renamed into place, so dst is never left truncated.
func (d *Downloader) Download(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("download returned %d: %s", resp.StatusCode, string(body))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("creating download directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("moving download into place: %w", err)
	}

	d.logger.Info("downloaded source document",
		zap.String("url", url),
		zap.String("path", dst),
		zap.Int64("bytes", n),
	)
	return n, nil
}
