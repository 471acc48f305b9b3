package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAuthFile(t *testing.T, entries map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "htpasswd")
	var content string
	for user, pass := range entries {
		hash, err := HashPassword(pass)
		require.NoError(t, err)
		content += user + ":" + hash + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileAuthenticatorAcceptsCorrectPassword(t *testing.T) {
	path := writeAuthFile(t, map[string]string{"deploy": "hunter2"})
	a, err := LoadFileAuthenticator(path)
	require.NoError(t, err)

	assert.NoError(t, a.Authenticate("deploy", "hunter2"))
}

func TestFileAuthenticatorRejectsWrongPassword(t *testing.T) {
	path := writeAuthFile(t, map[string]string{"deploy": "hunter2"})
	a, err := LoadFileAuthenticator(path)
	require.NoError(t, err)

	assert.Error(t, a.Authenticate("deploy", "wrong"))
}

func TestFileAuthenticatorRejectsUnknownUser(t *testing.T) {
	path := writeAuthFile(t, map[string]string{"deploy": "hunter2"})
	a, err := LoadFileAuthenticator(path)
	require.NoError(t, err)

	assert.Error(t, a.Authenticate("nobody", "hunter2"))
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll{}.Authenticate("anyone", "anything"))
}
