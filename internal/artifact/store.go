// ABOUTME: Persists generated image artifacts to the local assets directory.
// ABOUTME: Accepts URL or base64 payloads and returns a servable reference.

package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Store writes artifacts to a directory and returns references under a public
// URL prefix. References returned for the same destination name are stable.
type Store struct {
	dir        string
	urlPrefix  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStore creates an artifact store rooted at dir. Stored artifacts are
// referenced as urlPrefix + "/" + name.
func NewStore(dir, urlPrefix string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Store{
		dir:        dir,
		urlPrefix:  strings.TrimSuffix(urlPrefix, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "artifact"),
	}, nil
}

// Dir returns the directory artifacts are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Save persists one artifact payload under the given destination name.
// Payloads that look like URLs are fetched; anything else is treated as
// base64 image data. Returns the servable reference for the stored file.
func (s *Store) Save(ctx context.Context, payload, name string) (string, error) {
	name = filepath.Base(name) // never allow path traversal out of the dir

	var data []byte
	var err error
	if strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		data, err = s.fetch(ctx, payload)
	} else {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			err = fmt.Errorf("decoding base64 payload: %w", err)
		}
	}
	if err != nil {
		return "", err
	}

	dst := filepath.Join(s.dir, name)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}

	ref := path.Join("/", s.urlPrefix, name)
	s.logger.Debug("artifact stored", "name", name, "bytes", len(data), "ref", ref)
	return ref, nil
}

func (s *Store) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating artifact request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching artifact: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading artifact body: %w", err)
	}
	return data, nil
}
