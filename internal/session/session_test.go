package session

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	closed int
}

func (f *fakeNotifier) CloseSession() bool {
	f.closed++
	return true
}

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "session")
	require.NoError(t, err)
	return f
}

func TestCloseNotifiesOnce(t *testing.T) {
	n := &fakeNotifier{}
	f := tempFile(t)
	s := New(n, 111, 1, f)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, n.closed)
}

func TestCloseStreamIdempotent(t *testing.T) {
	n := &fakeNotifier{}
	f := tempFile(t)
	s := New(n, 111, 1, f)

	require.NoError(t, s.CloseStream())
	require.NoError(t, s.CloseStream())
	assert.Nil(t, s.GetStream())
}

func TestDiscardStreamDoesNotClose(t *testing.T) {
	n := &fakeNotifier{}
	f := tempFile(t)
	s := New(n, 111, 1, f)

	discarded := s.DiscardStream()
	require.NotNil(t, discarded)
	assert.Nil(t, s.GetStream())

	// caller now owns it; Close should not double-close.
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, n.closed)
	assert.NoError(t, discarded.Close())
}

func TestGetPid(t *testing.T) {
	s := New(&fakeNotifier{}, 42, 1, tempFile(t))
	assert.Equal(t, 42, s.GetPid())
}
