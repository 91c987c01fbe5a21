package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tg-comb/app/channel"
	"github.com/lysyi3m/tg-comb/app/database"
	"github.com/lysyi3m/tg-comb/app/listener"
	"github.com/lysyi3m/tg-comb/app/live"
	"github.com/lysyi3m/tg-comb/app/message"
	"github.com/lysyi3m/tg-comb/app/source"
)

type mockManager struct {
	mu          sync.Mutex
	listening   map[string]*source.ProxyConfig
	backfillErr error
	lastSince   time.Time
	lastLimit   int
}

func newMockManager() *mockManager {
	return &mockManager{listening: make(map[string]*source.ProxyConfig)}
}

func (m *mockManager) StartListening(channel string, proxy *source.ProxyConfig) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listening[channel]; ok {
		return false
	}
	m.listening[channel] = proxy
	return true
}

func (m *mockManager) StopListening(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listening[channel]; !ok {
		return listener.ErrNotListening
	}
	delete(m.listening, channel)
	return nil
}

func (m *mockManager) TriggerBackfill(ctx context.Context, channel string, limit int, since time.Time, proxy *source.ProxyConfig) (listener.BackfillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSince, m.lastLimit = since, limit
	if m.backfillErr != nil {
		return listener.BackfillResult{}, m.backfillErr
	}
	return listener.BackfillResult{Fetched: 3, Inserted: 2, Duplicates: 1}, nil
}

func (m *mockManager) Listeners() []listener.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]listener.Status, 0, len(m.listening))
	for name := range m.listening {
		statuses = append(statuses, listener.Status{Channel: name, State: listener.StateSubscribed})
	}
	return statuses
}

type testServer struct {
	router   *gin.Engine
	repo     *database.MessageRepo
	manager  *mockManager
	buffer   *live.Buffer
	mediaDir string
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	dir := t.TempDir()
	db, err := database.NewConnection(filepath.Join(dir, "messages.db"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, _, err := db.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	channelsDir := filepath.Join(dir, "channels")
	if err := os.MkdirAll(channelsDir, 0755); err != nil {
		t.Fatal(err)
	}
	proxyConfig := "proxy:\n  type: http\n  address: 10.0.0.1\n  port: 3128\n"
	if err := os.WriteFile(filepath.Join(channelsDir, "proxied.yml"), []byte(proxyConfig), 0644); err != nil {
		t.Fatal(err)
	}
	configCache := channel.NewConfigCache(channelsDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	s := &testServer{
		repo:     database.NewMessageRepository(db),
		manager:  newMockManager(),
		buffer:   live.NewBuffer(live.DefaultCapacity, live.DefaultQueueSize),
		mediaDir: filepath.Join(dir, "media"),
	}
	filterer := message.NewFilterer([]message.Filter{{Field: "tags", Excludes: []string{"#ad"}}})
	handler := NewHandler(s.repo, message.NewGenerator("test"), filterer, s.manager, s.buffer, configCache,
		"@default_channel", "http://example.com/")
	s.router = NewServer(handler, apiKey, s.mediaDir)
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthAndStats(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["messages"] != float64(0) || body["loaded_configurations"] != float64(1) {
		t.Errorf("Unexpected health body %v", body)
	}

	s.manager.StartListening("news", nil)
	w = s.do(t, http.MethodGet, "/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	listeners, _ := decode(t, w)["listeners"].(map[string]interface{})
	if listeners["subscribed"] != float64(1) {
		t.Errorf("Expected one subscribed listener, got %v", listeners)
	}

	if w := s.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected metrics endpoint, got %d", w.Code)
	}
}

func TestQueryMessages(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()

	for _, msg := range []database.NewMessage{
		{Name: "old", Link: "https://pan.quark.cn/s/old", Timestamp: "2024-04-01 10:00:00"},
		{Name: "in", Link: "https://pan.quark.cn/s/in", Timestamp: "2024-05-01 10:00:00"},
	} {
		if _, err := s.repo.InsertMessage(ctx, msg, ""); err != nil {
			t.Fatal(err)
		}
	}

	w := s.do(t, http.MethodGet, "/api/messages?start=2024-05-01&end=2024-05-31", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	messages, _ := body["messages"].([]interface{})
	if body["total"] != float64(1) || len(messages) != 1 {
		t.Fatalf("Expected one message, got %v", body)
	}
	if name := messages[0].(map[string]interface{})["name"]; name != "in" {
		t.Errorf("Expected message 'in', got %v", name)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/messages?start=2024-05-01", http.StatusBadRequest},
		{"/api/messages?start=05/01/2024&end=2024-05-31", http.StatusBadRequest},
		{"/api/messages?start=2024-06-01&end=2024-06-30", http.StatusOK},
	}
	for _, tt := range tests {
		if w := s.do(t, http.MethodGet, tt.path, "", nil); w.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, w.Code)
		} else if tt.code != http.StatusOK && decode(t, w)["error"] == nil {
			t.Errorf("%s: expected error message", tt.path)
		}
	}
}

func TestFeedXML(t *testing.T) {
	s := newTestServer(t, "secret")

	today := time.Now().Format(database.DateLayout) + " 09:00:00"
	if _, err := s.repo.InsertMessage(context.Background(), database.NewMessage{Name: "Fresh", Timestamp: today}, "media/1.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.repo.InsertMessage(context.Background(), database.NewMessage{Name: "Promo", Tags: "#AD", Timestamp: today}, ""); err != nil {
		t.Fatal(err)
	}

	w := s.do(t, http.MethodGet, "/feed.xml", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 without API key, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("Unexpected content type '%s'", ct)
	}
	if w.Header().Get("X-Feed-Items") != "1" {
		t.Errorf("Expected 1 feed item, got '%s'", w.Header().Get("X-Feed-Items"))
	}
	if !strings.Contains(w.Body.String(), "<title>Fresh</title>") {
		t.Error("Feed should contain the stored message")
	}
	if !strings.Contains(w.Body.String(), `url="http://example.com/media/1.jpg"`) {
		t.Error("Feed should link the image under the base URL")
	}
	if strings.Contains(w.Body.String(), "Promo") {
		t.Error("Feed filters should hide the promo message")
	}

	if w := s.do(t, http.MethodGet, "/feed.xml?start=bogus", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid date, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, "secret")

	tests := []struct {
		name    string
		headers map[string]string
		code    int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header key", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer key", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(t, http.MethodGet, "/api/live", "", tt.headers); w.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestListenerEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/api/listeners", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["channel"] != "default_channel" || body["started"] != true {
		t.Errorf("Expected default channel to start, got %v", body)
	}

	w = s.do(t, http.MethodPost, "/api/listeners", `{"channel": "@proxied"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if proxy := s.manager.listening["proxied"]; proxy == nil || proxy.Port != 3128 {
		t.Errorf("Expected configured channel proxy, got %+v", proxy)
	}

	w = s.do(t, http.MethodPost, "/api/listeners", `{"channel": "x", "proxy": {"type": "ftp", "address": "h", "port": 1}}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid proxy, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/listeners", "", nil)
	if total := decode(t, w)["total"]; total != float64(2) {
		t.Errorf("Expected 2 listeners, got %v", total)
	}

	if w := s.do(t, http.MethodDelete, "/api/listeners/proxied", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on stop, got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/listeners/proxied", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown listener, got %d", w.Code)
	}
}

func TestBackfillEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/api/backfill", `{"channel": "news", "limit": 50, "since": "2024-05-01"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result, _ := decode(t, w)["result"].(map[string]interface{})
	if result["inserted"] != float64(2) {
		t.Errorf("Unexpected result %v", result)
	}
	if s.manager.lastLimit != 50 || s.manager.lastSince.Format(database.DateLayout) != "2024-05-01" {
		t.Errorf("Unexpected backfill arguments: limit %d since %v", s.manager.lastLimit, s.manager.lastSince)
	}

	s.do(t, http.MethodPost, "/api/backfill", `{"channel": "news"}`, nil)
	if s.manager.lastLimit != defaultBackfillLimit {
		t.Errorf("Expected default limit, got %d", s.manager.lastLimit)
	}

	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"limit too large", `{"channel": "news", "limit": 5000}`, nil, http.StatusBadRequest},
		{"bad since", `{"channel": "news", "since": "yesterday"}`, nil, http.StatusBadRequest},
		{"bad json", `{"channel":`, nil, http.StatusBadRequest},
		{"rate limited", `{"channel": "news"}`, listener.ErrRateLimited, http.StatusTooManyRequests},
		{"unknown channel", `{"channel": "news"}`, source.ErrEntityNotFound, http.StatusNotFound},
		{"source failure", `{"channel": "news"}`, context.DeadlineExceeded, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.manager.backfillErr = tt.err
			w := s.do(t, http.MethodPost, "/api/backfill", tt.body, nil)
			if w.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, w.Code)
			}
			if decode(t, w)["error"] == nil {
				t.Error("Expected error message")
			}
		})
	}
}

func TestLiveFallsBackToStoredMessages(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()

	for i, name := range []string{"Older", "Newer"} {
		msg := database.NewMessage{
			Name:        name,
			Description: "名称：" + name,
			Timestamp:   fmt.Sprintf("2024-05-01 1%d:00:00", i),
		}
		if _, err := s.repo.InsertMessage(ctx, msg, ""); err != nil {
			t.Fatal(err)
		}
	}

	w := s.do(t, http.MethodGet, "/api/live", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	notifications, _ := body["notifications"].([]interface{})
	if body["total"] != float64(2) || len(notifications) != 2 {
		t.Fatalf("Expected 2 stored notifications, got %v", body)
	}
	if text := notifications[0].(map[string]interface{})["text"]; text != "名称：Newer" {
		t.Errorf("Expected newest stored message first, got %v", text)
	}
}

func TestLiveEndpointsAndMedia(t *testing.T) {
	s := newTestServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.buffer.Serve(ctx)

	s.buffer.Publish(live.Notification{Channel: "news", Text: "hello", Timestamp: "2024-05-01 10:00:00"})

	deadline := time.Now().Add(time.Second)
	for len(s.buffer.Recent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w := s.do(t, http.MethodGet, "/api/live", "", nil)
	notifications, _ := decode(t, w)["notifications"].([]interface{})
	if len(notifications) != 1 || notifications[0].(map[string]interface{})["text"] != "hello" {
		t.Errorf("Unexpected live notifications %v", notifications)
	}

	if err := os.MkdirAll(s.mediaDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.mediaDir, "7.jpg"), []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	if w := s.do(t, http.MethodGet, "/media/7.jpg", "", nil); w.Code != http.StatusOK || w.Body.String() != "jpeg" {
		t.Errorf("Expected media file to be served, got %d", w.Code)
	}
}
