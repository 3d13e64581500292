package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"taskdeck/internal/config"
	"taskdeck/internal/db"
	"taskdeck/internal/engine"
	"taskdeck/internal/engine/auth"
	"taskdeck/internal/events"
	"taskdeck/internal/kv"
	"taskdeck/internal/migrate"
	"taskdeck/internal/repo"
)

const (
	testSecret   = "Testpassw0rd!"
	testJWTKey   = "test-signing-key"
	testIdentity = "me@example.com"
)

type testServer struct {
	URL      string
	client   *http.Client
	close    func()
	eventLog repo.EventLog
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, loginRate float64) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Latency = config.LatencyConfig{}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	r := repo.Repo{KV: kv.NewMemory()}
	w := events.Writer{DB: conn}
	e := engine.New(r, w, cfg)
	e.Logger = quiet
	opts := auth.OptionsFromConfig(cfg)
	opts.Events = w
	opts.Logger = quiet
	gate, err := auth.New(context.Background(), r, opts)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	eventLog := repo.EventLog{DB: conn}
	handler, err := New(Config{
		Engine:             e,
		Gate:               gate,
		EventLog:           eventLog,
		BasePath:           "/v0",
		Auth:               AuthConfig{JWTSecret: testJWTKey, TokenTTL: time.Hour, Logger: quiet},
		LoginRatePerSecond: loginRate,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		eventLog: eventLog,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env
}

func login(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    testIdentity,
		"password": testSecret,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if out.Token == "" || out.User.Email != testIdentity || !out.User.IsAuthenticated {
		t.Fatalf("unexpected login response: %+v", out)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestHealthIsPublicAndTasksRequireSession(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestLoginFailuresAndLockout(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/auth/login"

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"email": "not-an-email", "password": "short"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an invalid form, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"email": testIdentity, "password": "wrong-password"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_credentials" || env.Error.Message != "Invalid credentials. 2 attempts remaining." {
		t.Fatalf("the rejected form must not count as an attempt: %+v", env.Error)
	}
	if env.Error.Details["remaining_attempts"] != float64(2) {
		t.Fatalf("unexpected details: %+v", env.Error.Details)
	}

	doJSON(t, client, http.MethodPost, url, map[string]any{"email": testIdentity, "password": "wrong-password"}, nil)
	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"email": testIdentity, "password": "wrong-password"}, nil)
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("expected 423, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "account_locked" || env.Error.Details["retry_after_seconds"] != float64(60) {
		t.Fatalf("unexpected lock response: %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"email": testIdentity, "password": testSecret}, nil)
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("correct secret must be rejected while locked, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "A", "description": ""}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if created.ID == "" || created.Status != "pending" || created.CreatedAt != created.UpdatedAt {
		t.Fatalf("unexpected created task: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": ""}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty title, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID, map[string]any{"status": "completed"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?status=completed", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list taskList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Title != "A" || list.Items[0].Status != "completed" {
		t.Fatalf("unexpected list: %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?status=pending", nil, headers)
	if err := json.Unmarshal(data, &list); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("pending list: %d %s", res.StatusCode, string(data))
	}
	if len(list.Items) != 0 {
		t.Fatalf("completed task listed as pending: %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID, map[string]any{"status": "pending"}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 reopening a completed task, got %d: %s", res.StatusCode, string(data))
	}

	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/tasks/"+created.ID, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("delete #%d status %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Message != "Task not found" {
		t.Fatalf("unexpected not found message %q", env.Error.Message)
	}
}

func TestCompleteEndpointAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "finish me"}, headers)
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=task", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts eventList
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts.Items) != 2 || evts.Items[0].Type != "task.completed" || evts.Items[1].Type != "task.created" {
		t.Fatalf("unexpected events: %+v", evts.Items)
	}
	if evts.Items[0].ActorID != testIdentity {
		t.Fatalf("unexpected actor %s", evts.Items[0].ActorID)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil || me.Email != testIdentity {
		t.Fatalf("unexpected me: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/logout", nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "session_expired" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, 1)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/auth/login"
	body := map[string]any{"email": testIdentity, "password": "wrong-password"}

	res, _ := doJSON(t, client, http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first attempt should reach the gate, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "rate_limited" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	if !bytes.Contains(data, []byte("bearerAuth")) {
		t.Fatalf("expected bearer security scheme")
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	close(start)
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	if !bytes.Contains(bodies[0], []byte("bearerAuth")) {
		t.Fatalf("expected bearer security scheme")
	}
}

func TestWebhookDispatcherDelivers(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn}
	ctx := context.Background()
	if err := w.Append(ctx, "task.created", "task", "old", "me", nil); err != nil {
		t.Fatal(err)
	}

	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	hook := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		if r.Header.Get("X-Taskdeck-Secret") != "s3cret" {
			t.Errorf("missing secret header")
		}
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(repo.EventLog{DB: conn}, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"task.completed"}, Secret: "s3cret"},
	}, log.New(io.Discard, "", 0))
	d.DispatchAll(ctx)

	_ = w.Append(ctx, "task.created", "task", "t1", "me", nil)
	_ = w.Append(ctx, "task.completed", "task", "t1", "me", events.EventPayload{"title": "x"})
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Type != "task.completed" || received[0].EntityID != "t1" {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
}
