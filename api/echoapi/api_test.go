package echoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpauth "go.tasknest.dev/mcpauth"
	"go.tasknest.dev/mcpauth/dispatch"
	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/pending"
	"go.tasknest.dev/mcpauth/sessions"
)

const (
	testIssuer = "http://auth.test"
	testSecret = "api-test-secret"
)

type passthroughUsers struct{}

func (passthroughUsers) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	return &domain.User{ID: id}, nil
}

func newTestServer(t *testing.T) (*echo.Echo, *mcpauth.TokenService) {
	t.Helper()

	codes := mcpauth.NewCodeStore(0, time.Hour)
	t.Cleanup(func() { _ = codes.Close() })

	pendingStore, err := pending.New(pending.Config{Backend: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pendingStore.Close() })

	sessionStore, err := sessions.New(sessions.Config{Backend: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessionStore.Close() })

	manager := sessions.NewManager(sessionStore, "session-secret", sessions.Options{
		TTL:             time.Hour,
		JanitorInterval: time.Hour,
		Logger:          zerolog.Nop(),
	})
	t.Cleanup(func() { _ = manager.Close() })

	tokens := mcpauth.NewTokenService(testIssuer, testSecret, time.Hour)
	registry := mcpauth.NewClientRegistry()
	oauth := mcpauth.NewOAuthService(codes, pendingStore, tokens, registry, passthroughUsers{}, "http://consent.test/ui")

	executor := dispatch.NewCoreExecutor(dispatch.ServerInfo{Name: "testd", Version: "test"}, nil)
	dispatcher := dispatch.NewDispatcher(manager, executor, zerolog.Nop())

	e := echo.New()
	api := New(oauth, tokens, registry, manager, dispatcher, pendingStore, sessionStore, testIssuer)
	api.RegisterRoutes(e)

	return e, tokens
}

func doJSON(e *echo.Echo, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func doForm(e *echo.Echo, target string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestAuthorizeEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	t.Run("redirects to the consent UI", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet,
			"/oauth2/authorize?response_type=code&client_id=client-1&redirect_uri=https%3A%2F%2Fapp%2Fcb&state=xyz",
			"", nil)

		require.Equal(t, http.StatusFound, rec.Code)
		location := rec.Header().Get("Location")
		assert.Contains(t, location, "http://consent.test/ui?pending_auth_id=")
	})

	t.Run("invalid request is an OAuth error", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/oauth2/authorize?response_type=token&client_id=c&redirect_uri=https%3A%2F%2Fapp", "", nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeJSON(t, rec)
		assert.Equal(t, "invalid_request", body["error"])
	})
}

func TestFullAuthorizationFlowOverHTTP(t *testing.T) {
	e, tokens := newTestServer(t)

	// Stage the request.
	rec := doJSON(e, http.MethodGet,
		"/oauth2/authorize?response_type=code&client_id=client-1&redirect_uri=https%3A%2F%2Fapp%2Fcb&state=xyz",
		"", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	consentURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	pendingID := consentURL.Query().Get("pending_auth_id")
	require.NotEmpty(t, pendingID)

	// The consent UI inspects the staged request.
	rec = doJSON(e, http.MethodGet, "/oauth2/authorize/details?pending_auth_id="+pendingID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decodeJSON(t, rec)
	assert.Equal(t, "client-1", details["client_id"])

	// The user approves.
	rec = doJSON(e, http.MethodPost, "/oauth2/consent",
		`{"pending_auth_id":"`+pendingID+`","action":"approve","user_id":"user-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	redirectTo, err := url.Parse(decodeJSON(t, rec)["redirect_to"].(string))
	require.NoError(t, err)
	code := redirectTo.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", redirectTo.Query().Get("state"))

	// The client exchanges the code.
	rec = doForm(e, "/oauth2/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app/cb"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tokenBody := decodeJSON(t, rec)
	accessToken, _ := tokenBody["access_token"].(string)
	require.NotEmpty(t, accessToken)
	assert.Equal(t, "Bearer", tokenBody["token_type"])

	claims, err := tokens.Verify(accessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	// The code is single use.
	rec = doForm(e, "/oauth2/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app/cb"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeJSON(t, rec)["error"])
}

func TestTokenEndpointErrors(t *testing.T) {
	e, _ := newTestServer(t)

	t.Run("unsupported grant type", func(t *testing.T) {
		rec := doForm(e, "/oauth2/token", url.Values{"grant_type": {"password"}}, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unsupported_grant_type", decodeJSON(t, rec)["error"])
	})

	t.Run("direct exchange without a bearer token", func(t *testing.T) {
		rec := doForm(e, "/oauth2/token", url.Values{"client_id": {"client-1"}}, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decodeJSON(t, rec)["error"])
	})
}

func TestRegisterEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	t.Run("registers and returns a client id", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/oauth2/register",
			`{"client_name":"Test","redirect_uris":["https://app/cb"]}`, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeJSON(t, rec)
		assert.NotEmpty(t, body["client_id"])
	})

	t.Run("rejects relative redirect URIs", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/oauth2/register",
			`{"client_name":"Test","redirect_uris":["/cb"]}`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestProtocolEndpoint(t *testing.T) {
	e, tokens := newTestServer(t)

	mint := func(t *testing.T) string {
		t.Helper()
		token, err := tokens.Mint(&domain.User{ID: "user-1"}, "client-1", "")
		require.NoError(t, err)
		return token
	}

	t.Run("missing bearer", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_token", decodeJSON(t, rec)["error"])
	})

	t.Run("garbage bearer", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer junk"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_token", decodeJSON(t, rec)["error"])
	})

	t.Run("initialize then call with the returned session id", func(t *testing.T) {
		token := mint(t)
		auth := map[string]string{"Authorization": "Bearer " + token}

		rec := doJSON(e, http.MethodPost, "/mcp",
			`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`, auth)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		require.Nil(t, body["error"])
		result, ok := body["result"].(map[string]any)
		require.True(t, ok)
		sessionID, _ := result["sessionId"].(string)
		require.NotEmpty(t, sessionID)

		rec = doJSON(e, http.MethodPost, "/mcp",
			`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer " + token, SessionIDHeader: sessionID})
		require.Equal(t, http.StatusOK, rec.Code)
		body = decodeJSON(t, rec)
		assert.Nil(t, body["error"])
	})

	t.Run("token-only calls work without a session", func(t *testing.T) {
		token := mint(t)

		rec := doJSON(e, http.MethodPost, "/mcp",
			`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer " + token})
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeJSON(t, rec)
		assert.Nil(t, body["error"])
	})

	t.Run("unknown methods map to method not found", func(t *testing.T) {
		token := mint(t)

		rec := doJSON(e, http.MethodPost, "/mcp",
			`{"jsonrpc":"2.0","id":4,"method":"no/such"}`,
			map[string]string{"Authorization": "Bearer " + token})
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		rpcErr, ok := body["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(-32601), rpcErr["code"])
	})
}

func TestDiscoveryEndpoints(t *testing.T) {
	e, _ := newTestServer(t)

	t.Run("authorization server metadata", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/.well-known/oauth-authorization-server", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, testIssuer, body["issuer"])
		assert.Equal(t, testIssuer+"/oauth2/token", body["token_endpoint"])
	})

	t.Run("protected resource metadata", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/.well-known/oauth-protected-resource", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, testIssuer+"/mcp", body["resource"])
	})
}

func TestSessionStatsEndpoint(t *testing.T) {
	e, tokens := newTestServer(t)

	token, err := tokens.Mint(&domain.User{ID: "user-1"}, "client-1", "")
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	// Bind a session first.
	rec := doJSON(e, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodGet, "/mcp/stats", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), user["total_sessions"])
	assert.Equal(t, float64(1), user["active_sessions"])
}
