package secret

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlain(t *testing.T) {
	r := New()
	b, err := r.Resolve("-----BEGIN CERTIFICATE-----")
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----", string(b))
}

func TestResolveBase64(t *testing.T) {
	r := New()
	encoded := base64.StdEncoding.EncodeToString([]byte("hunter2"))
	b, err := r.Resolve("base64://" + encoded)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(b))
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("from-disk"), 0o600))

	r := New()
	b, err := r.Resolve("file://" + path)
	require.NoError(t, err)
	assert.Equal(t, "from-disk", string(b))
}

func TestResolveFileMissing(t *testing.T) {
	r := New()
	_, err := r.Resolve("file:///no/such/path")
	assert.Error(t, err)
}
