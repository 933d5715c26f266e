package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/appliedgeo/gips/internal/constants"
	"github.com/appliedgeo/gips/internal/httpclient"
)

// HTTPFetcher downloads provider URLs into a staging directory, shared by
// fetch adapters whose provider speaks plain HTTP. One instance per provider
// host so rate limits apply across asset types.
type HTTPFetcher struct {
	client   *httpclient.Client
	stageDir string
}

func NewHTTPFetcher(stageDir string, minRequestInterval time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client:   httpclient.NewClient(nil, minRequestInterval),
		stageDir: stageDir,
	}
}

// Download retrieves url into the staging directory under basename and
// returns the staged path.
func (f *HTTPFetcher) Download(ctx context.Context, url, basename string) (string, error) {
	if err := os.MkdirAll(f.stageDir, constants.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // deferred cleanup

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	dest := filepath.Join(f.stageDir, basename)
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	return dest, nil
}
