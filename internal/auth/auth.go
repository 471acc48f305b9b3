// Package auth implements the peer authentication handshake performed
// at the start of every pool connection.
package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/TheBerg/apppool/internal/poolerrors"
)

// Authenticator checks a username/password pair presented during the
// wire handshake.
type Authenticator interface {
	Authenticate(username, password string) error
}

// FileAuthenticator checks credentials against an htpasswd-style file
// of "username:bcrypt-hash" lines, one per line, reloaded on demand.
type FileAuthenticator struct {
	mu    sync.RWMutex
	hash  map[string]string
	path  string
}

// LoadFileAuthenticator reads path and builds a FileAuthenticator.
func LoadFileAuthenticator(path string) (*FileAuthenticator, error) {
	f := &FileAuthenticator{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the credentials file from disk.
func (f *FileAuthenticator) Reload() error {
	file, err := os.Open(f.path)
	if err != nil {
		return poolerrors.Runtime("open auth file").WithContext("path", f.path).WithCause(err)
	}
	defer file.Close()

	hash := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return poolerrors.Runtime("malformed auth file line").WithContext("line", line)
		}
		hash[parts[0]] = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return poolerrors.Runtime("read auth file").WithCause(err)
	}

	f.mu.Lock()
	f.hash = hash
	f.mu.Unlock()
	return nil
}

// Authenticate checks username/password against the loaded file.
// Unknown usernames and bad passwords both return the same
// SecurityException so as not to leak which one was wrong.
func (f *FileAuthenticator) Authenticate(username, password string) error {
	f.mu.RLock()
	hash, ok := f.hash[username]
	f.mu.RUnlock()
	if !ok {
		return poolerrors.SecurityException("authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return poolerrors.SecurityException("authentication failed")
	}
	return nil
}

// HashPassword bcrypt-hashes password into the form a credentials
// file line expects.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// AllowAll is an Authenticator that accepts any credentials; intended
// for local development and tests only.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string) error { return nil }

var (
	_ Authenticator = (*FileAuthenticator)(nil)
	_ Authenticator = AllowAll{}
)
