// ABOUTME: Tests for artifact persistence from base64 and URL payloads.

package artifact

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "assets", nil)
	require.NoError(t, err)
	return s
}

func TestSave_Base64Payload(t *testing.T) {
	s := newTestStore(t)
	img := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}

	ref, err := s.Save(context.Background(), base64.StdEncoding.EncodeToString(img), "avatar-1.png")
	require.NoError(t, err)
	assert.Equal(t, "/assets/avatar-1.png", ref)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "avatar-1.png"))
	require.NoError(t, err)
	assert.Equal(t, img, data)
}

func TestSave_InvalidBase64(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save(context.Background(), "not base64!!!", "avatar-1.png")
	assert.ErrorContains(t, err, "decoding base64")
}

func TestSave_URLPayload(t *testing.T) {
	img := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(img)
	}))
	t.Cleanup(srv.Close)

	s := newTestStore(t)
	ref, err := s.Save(context.Background(), srv.URL+"/img.png", "avatar-2.png")
	require.NoError(t, err)
	assert.Equal(t, "/assets/avatar-2.png", ref)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "avatar-2.png"))
	require.NoError(t, err)
	assert.Equal(t, img, data)
}

func TestSave_URLFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	s := newTestStore(t)
	_, err := s.Save(context.Background(), srv.URL+"/missing.png", "avatar-3.png")
	assert.ErrorContains(t, err, "status 404")
}

func TestSave_StripsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	payload := base64.StdEncoding.EncodeToString([]byte("data"))

	ref, err := s.Save(context.Background(), payload, "../../etc/evil.png")
	require.NoError(t, err)
	assert.Equal(t, "/assets/evil.png", ref)

	// The file lands inside the store directory regardless of the name
	_, err = os.Stat(filepath.Join(s.Dir(), "evil.png"))
	assert.NoError(t, err)
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "assets")
	s, err := NewStore(dir, "/assets/", nil)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
