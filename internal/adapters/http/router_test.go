package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/hostrelay/internal/app"
	"github.com/dkeye/hostrelay/internal/app/relay"
	"github.com/dkeye/hostrelay/internal/config"
	"github.com/dkeye/hostrelay/internal/domain"
	"github.com/dkeye/hostrelay/internal/observability"
)

type fakeHoster struct {
	calls []domain.User
	err   error
	block bool
}

func (f *fakeHoster) Host(ctx context.Context, user domain.User) (relay.HostedSession, error) {
	f.calls = append(f.calls, user)
	if f.block {
		<-ctx.Done()
		return relay.HostedSession{}, fmt.Errorf("waiting for relay: %w", ctx.Err())
	}
	if f.err != nil {
		return relay.HostedSession{}, f.err
	}
	return relay.HostedSession{Port: 40001, Username: user.Name, HostToken: "tok-" + user.Name}, nil
}

type fixture struct {
	router   *gin.Engine
	registry *app.Registry
	hoster   *fakeHoster
	static   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	static := t.TempDir()
	files := map[string]string{
		"index.html":  "<html>relay</html>",
		"script.js":   "console.log('relay')",
		"favicon.ico": "ico",
		"secret.txt":  "do not serve",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(static, name), []byte(body), 0o600))
	}

	cfg := &config.Config{
		Mode:       "test",
		StaticPath: static,
		Secret:     "test-secret",
		Relay:      config.RelayConfig{SpawnTimeout: 50 * time.Millisecond},
	}
	reg := app.NewRegistry()
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	metrics.SessionsActive.Set(2)
	hoster := &fakeHoster{}

	return &fixture{
		router:   SetupRouter(cfg, Deps{Sessions: reg, Hoster: hoster, Gatherer: promReg}),
		registry: reg,
		hoster:   hoster,
		static:   static,
	}
}

func (f *fixture) do(method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSessions_EmptyRegistry(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/sessions", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestSessions_ListsRegistryContents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Insert(domain.Session{
		Port:         40001,
		Host:         domain.User{Name: "alice"},
		Participants: []domain.User{{Name: "bob"}, {Name: "carol"}},
	}))
	require.NoError(t, f.registry.Insert(domain.Session{Port: 40000, Host: domain.User{Name: "dave"}}))

	w := f.do(http.MethodGet, "/sessions", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[
		{"port":40000,"hosting_user":"dave","joined_users":[]},
		{"port":40001,"hosting_user":"alice","joined_users":["bob","carol"]}
	]`, w.Body.String())
}

func TestHost_ReturnsPortAndRemembersSession(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/host", `{"username":"alice"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"port":40001,"username":"alice"}`, w.Body.String())
	assert.Equal(t, "tok-alice", w.Header().Get(HostTokenHeader))
	require.Len(t, f.hoster.calls, 1)
	assert.Equal(t, "alice", f.hoster.calls[0].Name)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	who := f.do(http.MethodGet, "/whoami", "", cookies...)
	require.Equal(t, http.StatusOK, who.Code)
	assert.JSONEq(t, `{"username":"alice","port":40001}`, who.Body.String())
}

func TestHost_RejectsBadBodies(t *testing.T) {
	tests := map[string]string{
		"not json":       `username=alice`,
		"missing field":  `{"name":"alice"}`,
		"empty username": `{"username":""}`,
		"too long":       fmt.Sprintf(`{"username":%q}`, strings.Repeat("a", domain.MaxUsernameLen+1)),
		"control chars":  `{"username":"al\nice"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/host", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, f.hoster.calls)
			assert.Empty(t, w.Header().Get(HostTokenHeader))
		})
	}
}

func TestHost_MapsSpawnErrors(t *testing.T) {
	tests := []struct {
		name   string
		hoster *fakeHoster
		want   int
	}{
		{name: "bind failed", hoster: &fakeHoster{err: fmt.Errorf("%w: in use", domain.ErrBindFailed)}, want: http.StatusInternalServerError},
		{name: "duplicate port", hoster: &fakeHoster{err: domain.ErrDuplicatePort}, want: http.StatusInternalServerError},
		{name: "timeout", hoster: &fakeHoster{block: true}, want: http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.router = SetupRouter(&config.Config{
				Mode:       "test",
				StaticPath: f.static,
				Secret:     "test-secret",
				Relay:      config.RelayConfig{SpawnTimeout: 20 * time.Millisecond},
			}, Deps{Sessions: f.registry, Hoster: tt.hoster})

			w := f.do(http.MethodPost, "/host", `{"username":"alice"}`)

			assert.Equal(t, tt.want, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestWhoami_WithoutCookie(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/whoami", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatic_AllowList(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method, target string
		want           int
		body           string
	}{
		{http.MethodGet, "/", http.StatusOK, "<html>relay</html>"},
		{http.MethodGet, "/script.js", http.StatusOK, "console.log('relay')"},
		{http.MethodGet, "/favicon.ico", http.StatusOK, "ico"},
		{http.MethodGet, "/secret.txt", http.StatusForbidden, ""},
		{http.MethodGet, "/index.html", http.StatusForbidden, ""},
		{http.MethodGet, "/../config/config.dev.yaml", http.StatusForbidden, ""},
		{http.MethodGet, "/script.js/x", http.StatusForbidden, ""},
		{http.MethodPut, "/nowhere", http.StatusNotFound, ""},
		{http.MethodDelete, "/sessions", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := f.do(tt.method, tt.target, "")
			assert.Equal(t, tt.want, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
			assert.NotContains(t, w.Body.String(), "do not serve")
		})
	}
}

func TestStatic_ShippedAssets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	webDir := filepath.Join("..", "..", "..", "web")
	r := SetupRouter(&config.Config{Mode: "test", StaticPath: webDir, Secret: "test-secret"},
		Deps{Sessions: app.NewRegistry(), Hoster: &fakeHoster{}})

	for route, file := range map[string]string{
		"/":            "index.html",
		"/script.js":   "script.js",
		"/favicon.ico": "favicon.ico",
	} {
		t.Run(route, func(t *testing.T) {
			want, err := os.ReadFile(filepath.Join(webDir, file))
			require.NoError(t, err)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, route, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, want, w.Body.Bytes())
		})
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Insert(domain.Session{Port: 40000, Host: domain.User{Name: "alice"}}))

	w := f.do(http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hostrelay_sessions_active 2")
}
