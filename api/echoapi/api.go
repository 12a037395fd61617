// Package echoapi exposes the authorization subsystem over HTTP: the OAuth
// endpoints, discovery metadata and the protocol request endpoint.
package echoapi

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	mcpauth "go.tasknest.dev/mcpauth"
	"go.tasknest.dev/mcpauth/dispatch"
	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/errors"
	"go.tasknest.dev/mcpauth/pending"
	"go.tasknest.dev/mcpauth/sessions"
)

// SessionIDHeader carries the caller's explicit session identifier.
const SessionIDHeader = "Mcp-Session-Id"

// API holds the HTTP handler dependencies.
type API struct {
	service    *mcpauth.OAuthService
	tokens     *mcpauth.TokenService
	registry   *mcpauth.ClientRegistry
	manager    *sessions.Manager
	dispatcher *dispatch.Dispatcher
	pending    pending.Store
	store      sessions.Store

	serverMeta   *mcpauth.ServerMetadata
	resourceMeta *mcpauth.ResourceMetadata
}

// New initializes the API surface.
func New(
	service *mcpauth.OAuthService,
	tokens *mcpauth.TokenService,
	registry *mcpauth.ClientRegistry,
	manager *sessions.Manager,
	dispatcher *dispatch.Dispatcher,
	pendingStore pending.Store,
	sessionStore sessions.Store,
	baseURL string,
) *API {
	return &API{
		service:      service,
		tokens:       tokens,
		registry:     registry,
		manager:      manager,
		dispatcher:   dispatcher,
		pending:      pendingStore,
		store:        sessionStore,
		serverMeta:   mcpauth.NewServerMetadata(baseURL),
		resourceMeta: mcpauth.NewResourceMetadata(baseURL),
	}
}

// RegisterRoutes registers all routes.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/oauth2/authorize", a.AuthorizeHandler)
	e.GET("/oauth2/authorize/details", a.AuthorizeDetailsHandler)
	e.POST("/oauth2/consent", a.ConsentHandler)
	e.POST("/oauth2/token", a.TokenHandler)
	e.POST("/oauth2/register", a.RegisterHandler)

	e.POST("/mcp", a.ProtocolHandler)
	e.GET("/mcp/stats", a.SessionStatsHandler)

	e.GET("/.well-known/oauth-authorization-server", a.ServerMetadataHandler)
	e.GET("/.well-known/oauth-protected-resource", a.ResourceMetadataHandler)
}

// AuthorizeHandler stages the authorization request and redirects the
// browser to the external consent UI.
func (a *API) AuthorizeHandler(c echo.Context) error {
	req := mcpauth.AuthorizeRequest{
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		ResponseType:        c.QueryParam("response_type"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}

	target, err := a.service.BeginAuthorization(c.Request().Context(), req)
	if err != nil {
		return oauthError(c, err)
	}

	return c.Redirect(http.StatusFound, target)
}

// AuthorizeDetailsHandler returns the staged request context for the consent
// UI to display. It accepts either a pending_auth_id or an issued code; both
// reads are non-consuming.
func (a *API) AuthorizeDetailsHandler(c echo.Context) error {
	if id := c.QueryParam("pending_auth_id"); id != "" {
		entry, err := a.service.PendingDetails(c.Request().Context(), id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to load pending authorization"))
		}
		if entry == nil {
			return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("unknown or expired pending authorization"))
		}
		return c.JSON(http.StatusOK, entry)
	}

	if code := c.QueryParam("code"); code != "" {
		entry := a.service.CodeDetails(code)
		if entry == nil {
			return c.JSON(http.StatusNotFound, errors.NewInvalidGrant("unknown authorization code"))
		}
		// Never echo the user binding back to the consent page.
		view := *entry
		view.UserID = ""
		return c.JSON(http.StatusOK, &view)
	}

	return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("pending_auth_id or code is required"))
}

type consentRequest struct {
	PendingAuthID string `json:"pending_auth_id"`
	Code          string `json:"code"`
	Action        string `json:"action"`
	UserID        string `json:"user_id"`
}

type consentResponse struct {
	RedirectTo string `json:"redirect_to"`
}

// ConsentHandler accepts the consent UI's decision and returns the redirect
// target for the client, embedding the authorization code and original
// state on approval.
func (a *API) ConsentHandler(c echo.Context) error {
	var req consentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("malformed consent payload"))
	}

	approve := req.Action == "approve"
	if !approve && req.Action != "deny" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("action must be approve or deny"))
	}

	ctx := c.Request().Context()

	var target string
	var err error
	switch {
	case req.PendingAuthID != "":
		target, err = a.service.Decide(ctx, req.PendingAuthID, approve, req.UserID)
	case req.Code != "":
		target, err = a.service.DecideCode(ctx, req.Code, approve, req.UserID)
	default:
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("pending_auth_id or code is required"))
	}
	if err != nil {
		return oauthError(c, err)
	}

	return c.JSON(http.StatusOK, consentResponse{RedirectTo: target})
}

// TokenHandler implements the token endpoint: authorization_code exchange,
// or the bearer-token direct exchange for first-party callers.
func (a *API) TokenHandler(c echo.Context) error {
	grantType := c.FormValue("grant_type")
	clientID := c.FormValue("client_id")

	ctx := c.Request().Context()

	switch grantType {
	case "authorization_code":
		resp, err := a.service.ExchangeAuthorizationCode(ctx, mcpauth.TokenRequest{
			Code:         c.FormValue("code"),
			ClientID:     clientID,
			RedirectURI:  c.FormValue("redirect_uri"),
			CodeVerifier: c.FormValue("code_verifier"),
		})
		if err != nil {
			return oauthError(c, err)
		}
		return c.JSON(http.StatusOK, resp)

	case "", "urn:ietf:params:oauth:grant-type:token-exchange":
		appToken, ok := bearerToken(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("missing bearer token for direct exchange"))
		}
		resp, err := a.service.ExchangeAppToken(ctx, appToken, clientID)
		if err != nil {
			return oauthError(c, err)
		}
		return c.JSON(http.StatusOK, resp)

	default:
		return c.JSON(http.StatusBadRequest, errors.NewUnsupportedGrantType())
	}
}

type registerRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// RegisterHandler implements dynamic client registration.
func (a *API) RegisterHandler(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("malformed registration payload"))
	}

	client, err := a.registry.Register(req.ClientName, req.RedirectURIs)
	if err != nil {
		return oauthError(c, err)
	}

	return c.JSON(http.StatusCreated, client)
}

// ProtocolHandler authenticates the bearer token and dispatches the JSON-RPC
// envelope. Session misses never fail the call; the dispatcher falls back to
// a stateless context.
func (a *API) ProtocolHandler(c echo.Context) error {
	token, ok := bearerToken(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errors.NewInvalidToken("missing bearer token"))
	}

	claims, err := a.tokens.Verify(token)
	if err != nil {
		return tokenError(c, err)
	}

	var req dispatch.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, dispatch.NewError(nil, dispatch.CodeParseError, "parse error"))
	}

	user := &domain.User{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
	}
	sessionID := c.Request().Header.Get(SessionIDHeader)

	resp := a.dispatcher.Dispatch(c.Request().Context(), token, sessionID, user, &req)

	return c.JSON(http.StatusOK, resp)
}

// SessionStatsHandler reports session counts for the authenticated user and
// the store-wide totals.
func (a *API) SessionStatsHandler(c echo.Context) error {
	token, ok := bearerToken(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errors.NewInvalidToken("missing bearer token"))
	}

	claims, err := a.tokens.Verify(token)
	if err != nil {
		return tokenError(c, err)
	}

	ctx := c.Request().Context()

	userStats, err := a.manager.StatsForUser(ctx, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to read session stats"))
	}
	storeStats, err := a.store.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to read session stats"))
	}
	pendingStats, err := a.pending.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to read staging stats"))
	}

	return c.JSON(http.StatusOK, echo.Map{
		"user":    userStats,
		"store":   storeStats,
		"pending": pendingStats,
	})
}

func (a *API) ServerMetadataHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, a.serverMeta)
}

func (a *API) ResourceMetadataHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, a.resourceMeta)
}

// bearerToken extracts the Authorization bearer token.
func bearerToken(c echo.Context) (string, bool) {
	header := c.Request().Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// oauthError writes an OAuth-shaped error with the matching status code.
func oauthError(c echo.Context, err error) error {
	oauthErr, ok := err.(*errors.OAuth2Error)
	if !ok {
		log.Error().Err(err).Msg("unexpected error")
		oauthErr = errors.NewServerError("internal error")
	}

	status := http.StatusBadRequest
	switch oauthErr.Code {
	case errors.InvalidClient:
		status = http.StatusUnauthorized
	case errors.ServerError:
		status = http.StatusInternalServerError
	}

	return c.JSON(status, oauthErr)
}

// tokenError maps bearer verification failures onto the RFC 6750 codes,
// keeping expiry distinct from everything else.
func tokenError(c echo.Context, err error) error {
	if stderrors.Is(err, mcpauth.ErrTokenExpired) {
		return c.JSON(http.StatusUnauthorized, errors.NewExpiredToken("token expired"))
	}
	if stderrors.Is(err, mcpauth.ErrWrongTokenType) {
		return c.JSON(http.StatusUnauthorized, errors.NewInvalidToken("wrong token type"))
	}
	return c.JSON(http.StatusUnauthorized, errors.NewInvalidToken("invalid token"))
}
