package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/lysyi3m/tg-comb/app/source"
	"github.com/lysyi3m/tg-comb/app/source/sourcetest"
)

func newTestManager(t *testing.T, client *sourcetest.Client, ingester Ingester) *Manager {
	t.Helper()

	sup := suture.NewSimple("listeners-test")
	ctx, cancel := context.WithCancel(context.Background())
	done := sup.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return NewManager(client, source.Credentials{}, nil, ingester, sup)
}

func TestManagerStartListeningIsIdempotent(t *testing.T) {
	client := sourcetest.NewClient()
	client.AddChannel("news")
	m := newTestManager(t, client, &recordingIngester{})

	if !m.StartListening("news", nil) {
		t.Fatal("Expected first start to create a listener")
	}
	if m.StartListening("news", nil) {
		t.Error("Expected second start to be a no-op")
	}

	if !client.WaitSubscribed("news", 2*time.Second) {
		t.Fatal("Listener did not subscribe")
	}
	if n := client.ConnectCount(); n != 1 {
		t.Errorf("Expected one session, got %d", n)
	}

	statuses := m.Listeners()
	if len(statuses) != 1 || statuses[0].Channel != "news" {
		t.Fatalf("Unexpected listeners %+v", statuses)
	}
	waitFor(t, "subscribed state", func() bool { return m.Listeners()[0].State == StateSubscribed })
}

func TestManagerChannelNamesAreCaseInsensitive(t *testing.T) {
	client := sourcetest.NewClient()
	client.AddChannel("share")
	m := newTestManager(t, client, &recordingIngester{})

	if !m.StartListening("Share", nil) {
		t.Fatal("Expected first start to create a listener")
	}
	for _, name := range []string{"share", "@SHARE"} {
		if m.StartListening(name, nil) {
			t.Errorf("Expected '%s' to reuse the running listener", name)
		}
	}

	if !client.WaitSubscribed("share", 2*time.Second) {
		t.Fatal("Listener did not subscribe")
	}
	if n := client.ConnectCount(); n != 1 {
		t.Errorf("Expected one session, got %d", n)
	}
	statuses := m.Listeners()
	if len(statuses) != 1 || statuses[0].Channel != "share" {
		t.Fatalf("Unexpected listeners %+v", statuses)
	}
	waitFor(t, "subscribed state", func() bool { return m.Listeners()[0].State == StateSubscribed })

	if _, err := m.TriggerBackfill(context.Background(), "@Share", 10, time.Time{}, nil); err != nil {
		t.Fatal(err)
	}
	if n := client.ConnectCount(); n != 1 {
		t.Errorf("Expected backfill to reuse the listener session, got %d sessions", n)
	}

	if err := m.StopListening("SHARE"); err != nil {
		t.Fatal(err)
	}
	if statuses := m.Listeners(); len(statuses) != 0 {
		t.Errorf("Expected no listeners after stop, got %+v", statuses)
	}
}

func TestManagerUsesChannelProxy(t *testing.T) {
	client := sourcetest.NewClient()
	client.AddChannel("news")
	m := newTestManager(t, client, &recordingIngester{})
	proxy := &source.ProxyConfig{Type: "socks5", Address: "127.0.0.1", Port: 1080}

	m.StartListening("news", proxy)
	if !client.WaitSubscribed("news", 2*time.Second) {
		t.Fatal("Listener did not subscribe")
	}
	if got := client.Sessions()[0].Proxy; got != proxy {
		t.Errorf("Expected channel proxy to be used, got %+v", got)
	}
}

func TestManagerStopListening(t *testing.T) {
	client := sourcetest.NewClient()
	client.AddChannel("news")
	m := newTestManager(t, client, &recordingIngester{})

	m.StartListening("news", nil)
	if !client.WaitSubscribed("news", 2*time.Second) {
		t.Fatal("Listener did not subscribe")
	}

	if err := m.StopListening("news"); err != nil {
		t.Fatal(err)
	}
	if !client.Sessions()[0].Disconnected() {
		t.Error("Expected session to be disconnected")
	}
	if len(m.Listeners()) != 0 {
		t.Error("Expected no listeners after stop")
	}

	if err := m.StopListening("news"); !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}

	if !m.StartListening("news", nil) {
		t.Error("Expected listener to start again after stop")
	}
}

func TestManagerRestartsTerminalListener(t *testing.T) {
	client := sourcetest.NewClient()
	m := newTestManager(t, client, &recordingIngester{})

	m.StartListening("late", nil)
	waitFor(t, "stopped state", func() bool {
		statuses := m.Listeners()
		return len(statuses) == 1 && statuses[0].State == StateStopped
	})

	client.AddChannel("late")
	if !m.StartListening("late", nil) {
		t.Fatal("Expected stopped listener to be replaced")
	}
	if !client.WaitSubscribed("late", 2*time.Second) {
		t.Fatal("Replacement listener did not subscribe")
	}
}

func TestManagerTriggerBackfill(t *testing.T) {
	now := time.Now()
	client := sourcetest.NewClient()
	client.AddChannel("news", source.RawEvent{ID: 1, Date: now}, source.RawEvent{ID: 2, Date: now})
	ingester := &recordingIngester{}
	m := newTestManager(t, client, ingester)
	ctx := context.Background()

	result, err := m.TriggerBackfill(ctx, "news", 10, now.Add(-time.Hour), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Fetched != 2 {
		t.Errorf("Expected 2 fetched, got %+v", result)
	}
	if n := client.ConnectCount(); n != 1 {
		t.Fatalf("Expected a short-lived session, got %d sessions", n)
	}
	if !client.Sessions()[0].Disconnected() {
		t.Error("Expected short-lived session to be disconnected")
	}

	m.StartListening("news", nil)
	if !client.WaitSubscribed("news", 2*time.Second) {
		t.Fatal("Listener did not subscribe")
	}
	waitFor(t, "subscribed state", func() bool { return m.Listeners()[0].State == StateSubscribed })

	if _, err := m.TriggerBackfill(ctx, "news", 10, now.Add(-time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	if n := client.ConnectCount(); n != 2 {
		t.Errorf("Expected backfill to reuse the listener session, got %d sessions", n)
	}
	if client.Sessions()[1].Disconnected() {
		t.Error("Backfill must not disconnect the listener session")
	}
}

func TestManagerTriggerBackfillConnectError(t *testing.T) {
	client := sourcetest.NewClient()
	client.ConnectErr = errors.New("auth key unregistered")
	m := newTestManager(t, client, &recordingIngester{})

	if _, err := m.TriggerBackfill(context.Background(), "news", 10, time.Time{}, nil); err == nil {
		t.Error("Expected connect error")
	}
}
