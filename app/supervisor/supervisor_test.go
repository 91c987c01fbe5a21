package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

type mockServer struct {
	mu        sync.Mutex
	listenErr error
	stop      chan struct{}
	shutdowns int
}

func newMockServer(listenErr error) *mockServer {
	return &mockServer{listenErr: listenErr, stop: make(chan struct{})}
}

func (m *mockServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	close(m.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	server := newMockServer(nil)
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if server.shutdowns != 1 {
		t.Errorf("Expected one shutdown, got %d", server.shutdowns)
	}
}

func TestHTTPServiceReportsListenError(t *testing.T) {
	svc := NewHTTPService(newMockServer(errors.New("address in use")), 0)

	err := svc.Serve(context.Background())
	if err == nil || err.Error() != "http server: address in use" {
		t.Errorf("Expected listen error, got %v", err)
	}
	if svc.String() != "http-server" {
		t.Errorf("Unexpected service name '%s'", svc.String())
	}
}

type countingService struct {
	started chan struct{}
	once    sync.Once
}

func (c *countingService) Serve(ctx context.Context) error {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsLayers(t *testing.T) {
	tree := NewTree(slog.New(slog.NewTextHandler(io.Discard, nil)), TreeConfig{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	services := []*countingService{
		{started: make(chan struct{})},
		{started: make(chan struct{})},
		{started: make(chan struct{})},
	}
	tree.Listeners().Add(services[0])
	tree.AddLiveService(services[1])
	tree.AddAPIService(services[2])

	for i, svc := range services {
		select {
		case <-svc.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("Service %d was not started", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Tree did not stop")
	}

	report, err := tree.UnstoppedServiceReport()
	if err != nil {
		t.Fatal(err)
	}
	if len(report) != 0 {
		t.Errorf("Expected all services to stop, got %v", report)
	}
}
