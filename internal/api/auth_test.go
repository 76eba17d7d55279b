package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/vbus-bridge/internal/audit"
	"github.com/nerrad567/vbus-bridge/internal/auth"
	"github.com/nerrad567/vbus-bridge/internal/hub"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// memoryAudit is an in-memory audit.Repository.
type memoryAudit struct {
	mu   sync.Mutex
	logs []audit.AuditLog
}

func (m *memoryAudit) Create(_ context.Context, l *audit.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *l)
	return nil
}

func (m *memoryAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []audit.AuditLog{}
	for _, l := range m.logs {
		if f.Action == "" || l.Action == f.Action {
			out = append(out, l)
		}
	}
	return &audit.ListResult{Logs: out, Total: len(out), Limit: 50}, nil
}

func (m *memoryAudit) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryAudit) snapshot() []audit.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.AuditLog(nil), m.logs...)
}

// waitForAudit polls until n entries have been written.
func waitForAudit(t *testing.T, m *memoryAudit, n int) []audit.AuditLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs := m.snapshot()
		if len(logs) >= n {
			return logs
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit entries = %d, want %d", len(logs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// securedServer returns a server requiring tokens, sharing a running
// audit writer.
func securedServer(t *testing.T) (*Server, *fakeBridge, *memoryAudit) {
	t.Helper()
	repo := &memoryAudit{}
	writer := audit.NewWriter(repo, 0, nil)
	srv, bridge := testServer(t, func(d *Deps) {
		d.Config.Auth.JWTSecret = testSecret
		d.Audit = repo
		d.AuditWriter = writer
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go writer.Run(ctx)
	return srv, bridge, repo
}

func token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken(subject, role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

func doAuth(t *testing.T, h http.Handler, method, path, body, tok string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthorisation(t *testing.T) {
	srv, _, _ := securedServer(t)
	h := srv.Handler()

	viewer := token(t, "kitchen-tablet", auth.RoleViewer)
	operator := token(t, "automation", auth.RoleOperator)
	admin := token(t, "installer", auth.RoleAdmin)
	foreign, err := auth.GenerateToken("x", auth.RoleAdmin, "another-secret-another-secret-xx", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	frame := `{"frames":"aa1000207e110001010001001d"}`
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"health is open", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"device info is open", http.MethodGet, "/cgi-bin/get_resol_device_information", "", "", http.StatusOK},
		{"status needs token", http.MethodGet, "/api/v1/status", "", "", http.StatusUnauthorized},
		{"status with foreign token", http.MethodGet, "/api/v1/status", "", foreign, http.StatusUnauthorized},
		{"status as viewer", http.MethodGet, "/api/v1/status", "", viewer, http.StatusOK},
		{"list tags as viewer", http.MethodGet, "/api/v1/via-tags", "", viewer, http.StatusOK},
		{"put tag as viewer", http.MethodPut, "/api/v1/via-tags/boiler", `{"address":1}`, viewer, http.StatusForbidden},
		{"put tag as operator", http.MethodPut, "/api/v1/via-tags/boiler", `{"address":1}`, operator, http.StatusForbidden},
		{"put tag as admin", http.MethodPut, "/api/v1/via-tags/boiler", `{"address":1}`, admin, http.StatusOK},
		{"bus write as viewer", http.MethodPost, "/api/v1/bus/write", frame, viewer, http.StatusForbidden},
		{"bus write as operator", http.MethodPost, "/api/v1/bus/write", frame, operator, http.StatusAccepted},
		{"audit as operator", http.MethodGet, "/api/v1/audit", "", operator, http.StatusForbidden},
		{"audit as admin", http.MethodGet, "/api/v1/audit", "", admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAuth(t, h, tt.method, tt.path, tt.body, tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Error("401 without WWW-Authenticate: Bearer")
			}
		})
	}
}

func TestOpenAPIWithoutSecret(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.Handler(), http.MethodPut, "/api/v1/via-tags/boiler", `{"address":1}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a configured secret", w.Code)
	}
}

func TestLiveFeedTokenQueryParameter(t *testing.T) {
	srv, bridge, _ := securedServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/live"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial without token response = %v, want 401", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(base+"?token="+token(t, "panel", auth.RoleViewer), nil)
	if err != nil {
		t.Fatalf("dial with token failed: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bridge.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("live client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestViaTagChangesAreAudited(t *testing.T) {
	srv, _, repo := securedServer(t)
	h := srv.Handler()
	admin := token(t, "installer", auth.RoleAdmin)

	for _, step := range []struct {
		method, body string
		want         int
	}{
		{http.MethodPut, `{"address":32273,"channel":0}`, http.StatusOK},
		{http.MethodPut, `{"address":32274,"channel":0}`, http.StatusOK},
		{http.MethodDelete, "", http.StatusNoContent},
	} {
		if w := doAuth(t, h, step.method, "/api/v1/via-tags/boiler", step.body, admin); w.Code != step.want {
			t.Fatalf("%s status = %d, want %d", step.method, w.Code, step.want)
		}
	}

	logs := waitForAudit(t, repo, 3)
	wantActions := []string{audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete}
	for i, l := range logs {
		if l.Action != wantActions[i] {
			t.Errorf("entry %d action = %q, want %q", i, l.Action, wantActions[i])
		}
		if l.EntityType != audit.EntityViaTag || l.EntityID != "boiler" {
			t.Errorf("entry %d entity = %s/%s", i, l.EntityType, l.EntityID)
		}
		if l.UserID != "installer" || l.Source != audit.SourceAPI {
			t.Errorf("entry %d user/source = %q/%q", i, l.UserID, l.Source)
		}
	}

	w := doAuth(t, h, http.MethodGet, "/api/v1/audit?action=delete", "", admin)
	var res audit.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("filtered audit total = %d, want 1", res.Total)
	}

	if w := doAuth(t, h, http.MethodGet, "/api/v1/audit?since=yesterday", "", admin); w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}
}

func TestBusWrite(t *testing.T) {
	srv, bridge, repo := securedServer(t)
	h := srv.Handler()
	operator := token(t, "automation", auth.RoleOperator)

	w := doAuth(t, h, http.MethodPost, "/api/v1/bus/write", `{"frames":"aa10"}`, operator)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(bridge.injected) != 1 || bridge.injected[0] != "aa10" {
		t.Errorf("injected = %v", bridge.injected)
	}
	if logs := waitForAudit(t, repo, 1); logs[0].Action != audit.ActionInject || logs[0].UserID != "automation" {
		t.Errorf("audit entry = %+v", logs[0])
	}

	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"bad json", nil, `{"frames":`, http.StatusBadRequest},
		{"invalid frames", fmt.Errorf("%w: truncated", hub.ErrInvalidInject), `{"frames":"00"}`, http.StatusBadRequest},
		{"bus down", hub.ErrUpstreamDown, `{"frames":"aa"}`, http.StatusServiceUnavailable},
		{"queue full", hub.ErrWriteQueueFull, `{"frames":"aa"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge.mu.Lock()
			bridge.injectErr = tt.err
			bridge.mu.Unlock()
			if w := doAuth(t, h, http.MethodPost, "/api/v1/bus/write", tt.body, operator); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPanelServed(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/ui/" {
		t.Errorf("GET / = %d %q, want redirect to /ui/", w.Code, w.Header().Get("Location"))
	}

	w = do(t, h, http.MethodGet, "/ui/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<!DOCTYPE html>") {
		t.Errorf("GET /ui/ = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/ui/app.js", "")
	if w.Code != http.StatusOK {
		t.Errorf("GET /ui/app.js = %d", w.Code)
	}
}
