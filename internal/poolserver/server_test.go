package poolserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheBerg/apppool/apppoolclient"
	"github.com/TheBerg/apppool/internal/auth"
	"github.com/TheBerg/apppool/internal/pool"
	"github.com/TheBerg/apppool/internal/spawner"
)

func startTestServer(t *testing.T) (string, func()) {
	t.Helper()
	fs := spawner.NewFakeSpawner()
	p := pool.New(pool.Config{Max: 10, MaxPerApp: 4, Spawner: fs})
	srv := New(p, auth.AllowAll{}, nil)

	sockPath := filepath.Join(t.TempDir(), "apppool.sock")
	require.NoError(t, srv.Listen(sockPath))

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	cleanup := func() {
		cancel()
		_ = srv.Close()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutCancel()
		_ = p.Shutdown(shutCtx)
	}
	return sockPath, cleanup
}

func TestClientGetAndClose(t *testing.T) {
	sockPath, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	client, err := apppoolclient.Connect(ctx, sockPath, "anyone", "anything")
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.Get(ctx, apppoolclient.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NotNil(t, sess)
	sess.Close(ctx)

	count, err := client.GetCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestClientSetMaxAndClear(t *testing.T) {
	sockPath, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	client, err := apppoolclient.Connect(ctx, sockPath, "anyone", "anything")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetMaxPerApp(ctx, 2))

	sess, err := client.Get(ctx, apppoolclient.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	sess.Close(ctx)

	require.NoError(t, client.Clear(ctx))

	count, err := client.GetCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
