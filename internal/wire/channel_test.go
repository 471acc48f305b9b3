package wire

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pair returns two Channels connected to each other over an
// in-process Unix domain socket pair.
func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	dir := t.TempDir()
	sock := dir + "/test.sock"
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	clientConn, err := net.Dial("unix", sock)
	require.NoError(t, err)

	var serverConn net.Conn
	select {
	case serverConn = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	client, err := New(clientConn.(*net.UnixConn))
	require.NoError(t, err)
	server, err := New(serverConn.(*net.UnixConn))
	require.NoError(t, err)
	return client, server
}

func TestVectorRoundTrip(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	want := []string{"get", "app_root", "/srv/app", "user", "deploy"}

	done := make(chan error, 1)
	go func() {
		done <- client.WriteVector(ctx, want)
	}()

	got, err := server.ReadVector(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, want, got)
}

func TestVectorRoundTripEmpty(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- client.WriteVector(ctx, nil) }()

	got, err := server.ReadVector(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Nil(t, got)
}

func TestScalarRoundTrip(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	want := []byte("APP_ROOT=/srv/app\x00USER=deploy\x00")

	done := make(chan error, 1)
	go func() { done <- client.WriteScalar(ctx, want) }()

	got, err := server.ReadScalar(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, want, got)
}

func TestSendRecvFD(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	f, err := os.CreateTemp(t.TempDir(), "fd-test")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hello")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- client.SendFD(f) }()

	got, err := server.RecvFD()
	require.NoError(t, err)
	require.NoError(t, <-done)
	defer got.Close()

	buf := make([]byte, 5)
	_, err = got.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestReadTimeout(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	server.SetReadTimeout(20 * time.Millisecond)
	_, err := server.ReadVector(context.Background())
	require.Error(t, err)
}

func TestWriteVectorRejectsNUL(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	err := client.WriteVector(context.Background(), []string{"bad\x00field"})
	require.Error(t, err)
}

func FuzzVectorFraming(f *testing.F) {
	f.Add("get", "app_root", "/srv/app")
	f.Fuzz(func(t *testing.T, a, b, c string) {
		for _, s := range []string{a, b, c} {
			for i := 0; i < len(s); i++ {
				if s[i] == 0 {
					return
				}
			}
		}
		client, server := pair(t)
		defer client.Close()
		defer server.Close()

		want := []string{a, b, c}
		ctx := context.Background()
		done := make(chan error, 1)
		go func() { done <- client.WriteVector(ctx, want) }()

		got, err := server.ReadVector(ctx)
		require.NoError(t, err)
		require.NoError(t, <-done)
		require.Equal(t, want, got)
	})
}
