package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"mnemo/internal/api"
	"mnemo/internal/config"
)

const (
	serverStartTimeout = 3 * time.Second
	serverStopTimeout  = 5 * time.Second
	serverPollInterval = 100 * time.Millisecond
	stderrTailBytes    = 2048
)

// withClient runs fn against the configured server, starting a private one
// for the duration of the call when nothing answers.
func withClient(cfg *config.Config, fn func(*api.Client) error) error {
	client := api.NewClient(cfg.APIURL)

	probe, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	err := client.Ping(probe)
	cancel()
	if err == nil {
		return fn(client)
	}

	srv, err := startLocalServer(cfg)
	if err != nil {
		return err
	}
	defer srv.stop()

	ctx, cancel := context.WithTimeout(context.Background(), serverStartTimeout)
	defer cancel()
	if err := srv.waitReady(ctx, client); err != nil {
		return err
	}
	return fn(client)
}

// localServer is a "mnemo srv" child process sharing this CLI's config.
type localServer struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	exited chan struct{}
}

func startLocalServer(cfg *config.Config) (*localServer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, "srv")
	cmd.Env = append(os.Environ(),
		"MNEMO_DB="+cfg.DBPath,
		"MNEMO_BLOB_ROOT="+cfg.BlobRoot,
		"MNEMO_API_URL="+cfg.APIURL,
	)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start local server: %w", err)
	}
	srv := &localServer{cmd: cmd, stderr: stderr, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(srv.exited)
	}()
	return srv, nil
}

// waitReady polls until the server answers, the process exits or ctx ends.
func (s *localServer) waitReady(ctx context.Context, client *api.Client) error {
	ticker := time.NewTicker(serverPollInterval)
	defer ticker.Stop()
	for {
		ping, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := client.Ping(ping)
		cancel()
		if err == nil {
			return nil
		}
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			// Something else owns the port.
			return err
		}

		select {
		case <-s.exited:
			return fmt.Errorf("local server exited during startup: %s", s.stderr.String())
		case <-ctx.Done():
			return fmt.Errorf("local server did not start within %s", serverStartTimeout)
		case <-ticker.C:
		}
	}
}

// stop interrupts the server so workers release their leases, then kills it
// if it outlives serverStopTimeout.
func (s *localServer) stop() {
	_ = s.cmd.Process.Signal(os.Interrupt)
	select {
	case <-s.exited:
	case <-time.After(serverStopTimeout):
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
