package ipc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/wire"
)

// shortSocketPath returns a socket path short enough for sun_path.
// t.TempDir can exceed the limit on some systems.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "mirrord-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "test.sock")
}

func newTestServer(t *testing.T, role Role) (*Server, string) {
	t.Helper()
	path := shortSocketPath(t)
	srv := NewServer(path, role)
	srv.Handle("ping", func(_ context.Context, _ *wire.Request) (any, error) {
		return PingResult{Message: "pong"}, nil
	})
	return srv, path
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	srv, path := newTestServer(t, RoleMaster)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("socket file should exist after Start: %v", err)
	}

	// A second Start must be an error, never a silent double bind.
	if err := srv.Start(); err == nil {
		t.Error("second Start should fail")
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file should be removed after Stop, stat err = %v", err)
	}
}

func TestServerPing(t *testing.T) {
	t.Parallel()

	srv, path := newTestServer(t, RoleMaster)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	client := NewClient(path)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !IsAlive(path) {
		t.Error("IsAlive should report true for a running server")
	}
}

func TestServerUnknownCommand(t *testing.T) {
	t.Parallel()

	srv, path := newTestServer(t, RoleWorker)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	client := NewClient(path)
	_, err := client.Call(context.Background(), "no_such_command", nil)

	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remoteErr.Message == "" {
		t.Error("remote error should carry a message")
	}

	// The server must survive to serve subsequent connections.
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("server did not survive unknown command: %v", err)
	}
}

func TestServerHandlerFault(t *testing.T) {
	t.Parallel()

	srv, path := newTestServer(t, RoleWorker)
	srv.Handle("explode", func(_ context.Context, _ *wire.Request) (any, error) {
		panic("boom")
	})
	srv.Handle("fail", func(_ context.Context, _ *wire.Request) (any, error) {
		return nil, errors.New("deliberate failure")
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	client := NewClient(path)

	for _, command := range []string{"explode", "fail"} {
		_, err := client.Call(context.Background(), command, nil)
		var remoteErr *RemoteError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("%s: err = %v, want *RemoteError", command, err)
		}
		if remoteErr.Traceback == "" {
			t.Errorf("%s: response should carry diagnostic traceback", command)
		}
	}

	// Faulting handlers must not take down the connection loop.
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("server did not survive handler fault: %v", err)
	}
}

func TestServerConcurrentConnections(t *testing.T) {
	t.Parallel()

	srv, path := newTestServer(t, RoleWorker)
	srv.Handle("slow", func(_ context.Context, _ *wire.Request) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return PingResult{Message: "pong"}, nil
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	// Concurrent requests are dispatched, not queued: ten 50ms
	// handlers should finish far sooner than ten would serially.
	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewClient(path).Call(context.Background(), "slow", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("requests appear serialized: took %v", elapsed)
	}
}

func TestServerStopDuringActiveConnection(t *testing.T) {
	t.Parallel()

	srv, path := newTestServer(t, RoleWorker)
	started := make(chan struct{})
	srv.Handle("linger", func(_ context.Context, _ *wire.Request) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return PingResult{Message: "pong"}, nil
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := NewClient(path).Call(context.Background(), "linger", nil)
		done <- err
	}()

	<-started
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}

	// Stop drains active handlers: the in-flight exchange completes.
	if err := <-done; err != nil {
		t.Errorf("in-flight request should be drained before Stop returns: %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	t.Parallel()

	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := client.Call(context.Background(), "ping", nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("err = %v, want ErrUnreachable", err)
	}
}

func TestServerRemovesStaleSocket(t *testing.T) {
	t.Parallel()

	path := shortSocketPath(t)
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(path, RoleMaster)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start should replace a stale socket file: %v", err)
	}
	srv.Stop()
}
