package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckadlab/orchestrator/internal/clusterdriver"
	"github.com/ckadlab/orchestrator/internal/db"
	"github.com/ckadlab/orchestrator/internal/events"
	"github.com/ckadlab/orchestrator/internal/identity"
	"github.com/ckadlab/orchestrator/internal/portlease"
	"github.com/ckadlab/orchestrator/internal/ratelimit"
	"github.com/ckadlab/orchestrator/internal/sandboxdriver"
	"github.com/ckadlab/orchestrator/internal/session"
	"github.com/ckadlab/orchestrator/internal/terminal"
)

const testSecret = "httpapi-test-secret"

type fakePorts struct{ next int }

func (f *fakePorts) Lease(ctx context.Context, sessionID string) (*portlease.Leased, error) {
	f.next++
	return &portlease.Leased{API: 30000 + f.next, IngressHTTP: 40000 + f.next, IngressHTTPS: 45000 + f.next}, nil
}
func (f *fakePorts) Release(ctx context.Context, sessionID string) error { return nil }

type fakeClusters struct{}

func (fakeClusters) Create(ctx context.Context, clusterName string, ports clusterdriver.Ports) (string, time.Duration, error) {
	return "/tmp/" + clusterName + "/kubeconfig", 0, nil
}
func (fakeClusters) Delete(ctx context.Context, clusterName string) error { return nil }

type fakeSandboxes struct{}

func (fakeSandboxes) Create(ctx context.Context, sessionID, networkName, kubeconfigPath string, res sandboxdriver.Resources) (string, error) {
	return "sandbox-" + sessionID, nil
}
func (fakeSandboxes) Remove(ctx context.Context, sandboxHandle string) error { return nil }

// fakePty satisfies terminal.Pty without a Docker daemon; reads block
// until the output channel is fed or closed.
type fakePty struct{ out chan []byte }

func (p *fakePty) Read(buf []byte) (int, error) {
	b, ok := <-p.out
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, b), nil
}
func (p *fakePty) Write(buf []byte) (int, error)                  { return len(buf), nil }
func (p *fakePty) Resize(ctx context.Context, c, r uint) error    { return nil }
func (p *fakePty) Close() error                                   { return nil }
func (p *fakePty) ExitCode(ctx context.Context) (int, bool, error) { return 0, true, nil }

type testAPI struct {
	srv     *httptest.Server
	manager *session.Manager
	store   *db.SessionStore
}

func newTestAPI(t *testing.T, maxConcurrent int) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "orchestrator.db")
	d, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	store := db.NewSessionStore(d)
	manager := session.New(store, d, &fakePorts{}, fakeClusters{}, fakeSandboxes{}, events.New(nil, zerolog.Nop()), session.Config{
		TTLMinutes:       60,
		ExtensionMinutes: 30,
		TasksPerSession:  5,
		MaxConcurrent:    maxConcurrent,
	}, zerolog.Nop())

	gateway := terminal.New(time.Minute, zerolog.Nop())
	verifier := identity.New(testSecret, nil)
	openPTY := func(ctx context.Context, sandboxHandle string, cols, rows uint) (terminal.Pty, error) {
		return &fakePty{out: make(chan []byte, 1)}, nil
	}

	generous := ratelimit.New(1000, 1000, time.Minute)
	handler := NewHandler(manager, openPTY, gateway, verifier, generous, generous, generous, zerolog.Nop())

	router := gin.New()
	handler.RegisterRoutes(router.Group("/api/v1"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, manager: manager, store: store}
}

func signToken(t *testing.T, ownerID string) string {
	t.Helper()
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		OwnerID:          ownerID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestPlatformStatus_IsPublicAndReportsCapacity(t *testing.T) {
	api := newTestAPI(t, 2)

	resp, body := api.do(t, http.MethodGet, "/api/v1/platform/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["max_concurrent"])
	assert.Equal(t, float64(0), data["active"])
	assert.Equal(t, float64(2), data["available_slots"])
	assert.Equal(t, float64(60), data["default_ttl_minutes"])
	assert.Equal(t, float64(30), data["extension_minutes"])
}

func TestStartSession_RequiresCredential(t *testing.T) {
	api := newTestAPI(t, 2)

	resp, body := api.do(t, http.MethodPost, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", body["error"])
}

func TestStartSession_ReturnsDescriptorWithStreamEndpoint(t *testing.T) {
	api := newTestAPI(t, 2)
	token := signToken(t, "u1")

	resp, body := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "Running", data["status"])
	assert.Equal(t, float64(60), data["ttl_minutes"])
	assert.Equal(t, false, data["extended"])
	id := data["session_id"].(string)
	assert.Equal(t, "/api/v1/sessions/"+id+"/terminal", data["stream_endpoint_ref"])
	assert.True(t, strings.HasPrefix(data["cluster_name"].(string), "ckad-"))
}

func TestStartSession_SecondStartConflicts(t *testing.T) {
	api := newTestAPI(t, 2)
	token := signToken(t, "u1")

	resp, _ := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["error"])
}

func TestStartSession_AtCapacity(t *testing.T) {
	api := newTestAPI(t, 1)

	resp, _ := api.do(t, http.MethodPost, "/api/v1/sessions", signToken(t, "u1"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := api.do(t, http.MethodPost, "/api/v1/sessions", signToken(t, "u2"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "AT_CAPACITY", body["error"])
}

func TestExtendSession_IsOneShot(t *testing.T) {
	api := newTestAPI(t, 2)
	token := signToken(t, "u1")

	_, created := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	id := created["data"].(map[string]interface{})["session_id"].(string)

	resp, body := api.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/extend", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(90), body["data"].(map[string]interface{})["ttl_minutes"])

	resp, body = api.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/extend", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_EXTENDED", body["error"])
}

func TestGetActiveSession_ReportsNone(t *testing.T) {
	api := newTestAPI(t, 2)

	resp, body := api.do(t, http.MethodGet, "/api/v1/sessions/active", signToken(t, "u1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, false, data["active"])
}

func TestGetSession_CrossOwnerIsForbidden(t *testing.T) {
	api := newTestAPI(t, 2)

	_, created := api.do(t, http.MethodPost, "/api/v1/sessions", signToken(t, "u1"), nil)
	id := created["data"].(map[string]interface{})["session_id"].(string)

	resp, body := api.do(t, http.MethodGet, "/api/v1/sessions/"+id, signToken(t, "u2"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["error"])
}

func TestStopSession_ReleasesAndIsIdempotent(t *testing.T) {
	api := newTestAPI(t, 2)
	token := signToken(t, "u1")

	_, created := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	id := created["data"].(map[string]interface{})["session_id"].(string)

	resp, body := api.do(t, http.MethodDelete, "/api/v1/sessions/"+id, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ended", body["data"].(map[string]interface{})["status"])

	resp, body = api.do(t, http.MethodDelete, "/api/v1/sessions/"+id, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ended", body["data"].(map[string]interface{})["status"])
}

// dialTerminal dials the websocket terminal endpoint and returns the
// connection; the caller inspects frames and close codes.
func (a *testAPI) dialTerminal(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/v1/sessions/" + sessionID + "/terminal"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// expectClose drains frames until the connection closes and returns the
// close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected a close frame, got %v", err)
		return closeErr.Code
	}
}

func TestTerminal_MissingCredentialCloses4001(t *testing.T) {
	api := newTestAPI(t, 2)
	conn := api.dialTerminal(t, "any", "")
	assert.Equal(t, terminal.CloseMissingCredential, expectClose(t, conn))
}

func TestTerminal_InvalidCredentialCloses4004(t *testing.T) {
	api := newTestAPI(t, 2)
	conn := api.dialTerminal(t, "any", "not-a-jwt")
	assert.Equal(t, terminal.CloseCredentialInvalid, expectClose(t, conn))
}

func TestTerminal_ExpiredCredentialCloses4003(t *testing.T) {
	api := newTestAPI(t, 2)
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		OwnerID:          "u1",
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	conn := api.dialTerminal(t, "any", expired)
	assert.Equal(t, terminal.CloseCredentialExpired, expectClose(t, conn))
}

func TestTerminal_UnknownSessionCloses4005(t *testing.T) {
	api := newTestAPI(t, 2)
	conn := api.dialTerminal(t, "no-such-session", signToken(t, "u1"))
	assert.Equal(t, terminal.CloseSessionNotFound, expectClose(t, conn))
}

func TestTerminal_CrossOwnerCloses4006(t *testing.T) {
	api := newTestAPI(t, 2)
	_, created := api.do(t, http.MethodPost, "/api/v1/sessions", signToken(t, "u1"), nil)
	id := created["data"].(map[string]interface{})["session_id"].(string)

	conn := api.dialTerminal(t, id, signToken(t, "u2"))
	assert.Equal(t, terminal.CloseForbidden, expectClose(t, conn))
}

func TestTerminal_StoppedSessionCloses4007(t *testing.T) {
	api := newTestAPI(t, 2)
	token := signToken(t, "u1")
	_, created := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	id := created["data"].(map[string]interface{})["session_id"].(string)
	api.do(t, http.MethodDelete, "/api/v1/sessions/"+id, token, nil)

	conn := api.dialTerminal(t, id, token)
	assert.Equal(t, terminal.CloseSessionNotActive, expectClose(t, conn))
}

func TestTerminal_AuthorizedConnectionReceivesConnectedFrame(t *testing.T) {
	api := newTestAPI(t, 2)
	token := signToken(t, "u1")
	_, created := api.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	id := created["data"].(map[string]interface{})["session_id"].(string)

	conn := api.dialTerminal(t, id, token)
	var msg terminal.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, terminal.TypeConnected, msg.Type)
	assert.Equal(t, id, msg.SessionID)
}
