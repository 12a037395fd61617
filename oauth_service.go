package mcpauth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/errors"
	"go.tasknest.dev/mcpauth/pending"
)

// AuthorizeRequest carries the parameters of an inbound authorization
// request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest carries the parameters of an authorization-code exchange.
type TokenRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// OAuthService orchestrates the authorization flow: staging requests for the
// consent UI, turning approvals into authorization codes, and exchanging
// codes or app-session tokens for protocol bearer tokens.
type OAuthService struct {
	codes   *CodeStore
	pending pending.Store
	tokens  *TokenService
	clients *ClientRegistry
	users   domain.UserProvider

	consentURL string
}

// NewOAuthService wires the flow components together. consentURL is the
// external consent UI the authorization endpoint redirects to.
func NewOAuthService(
	codes *CodeStore,
	pendingStore pending.Store,
	tokens *TokenService,
	clients *ClientRegistry,
	users domain.UserProvider,
	consentURL string,
) *OAuthService {
	return &OAuthService{
		codes:      codes,
		pending:    pendingStore,
		tokens:     tokens,
		clients:    clients,
		users:      users,
		consentURL: consentURL,
	}
}

// BeginAuthorization validates the request, stages it for the consent UI and
// returns the consent redirect target. PKCE method problems are rejected
// here, before anything is staged.
func (s *OAuthService) BeginAuthorization(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.ResponseType != "code" {
		return "", errors.NewInvalidRequest("unsupported response_type")
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		return "", errors.NewInvalidRequest("client_id and redirect_uri are required")
	}
	if err := s.clients.ValidateRedirectURI(req.ClientID, req.RedirectURI); err != nil {
		return "", err
	}
	if req.CodeChallenge != "" {
		if _, err := ParseCodeChallengeMethod(req.CodeChallengeMethod); err != nil {
			return "", errors.NewInvalidRequest(err.Error())
		}
	}

	id, err := s.pending.Create(ctx, pending.CreateParams{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return "", errors.NewServerError("failed to stage authorization request")
	}

	return fmt.Sprintf("%s?pending_auth_id=%s", s.consentURL, url.QueryEscape(id)), nil
}

// PendingDetails returns the staged request for the consent UI to display,
// or nil when unknown or expired.
func (s *OAuthService) PendingDetails(ctx context.Context, pendingID string) (*domain.PendingAuthorization, error) {
	return s.pending.Get(ctx, pendingID)
}

// CodeDetails returns a non-consuming view of an issued code for the
// code-first consent variant.
func (s *OAuthService) CodeDetails(code string) *domain.AuthCode {
	return s.codes.Details(code)
}

// Decide resolves a staged authorization. Approval binds the user, mints an
// approved authorization code and returns the client redirect carrying the
// code and original state; denial returns an access_denied redirect. Either
// way the staged entry is consumed.
func (s *OAuthService) Decide(ctx context.Context, pendingID string, approve bool, userID string) (string, error) {
	entry, err := s.pending.Get(ctx, pendingID)
	if err != nil {
		return "", errors.NewServerError("failed to load pending authorization")
	}
	if entry == nil {
		return "", errors.NewInvalidRequest("unknown or expired pending authorization")
	}

	if !approve {
		if err := s.pending.Delete(ctx, pendingID); err != nil {
			log.Warn().Err(err).Msg("failed to delete denied pending authorization")
		}
		return deniedRedirect(entry.RedirectURI, entry.State), nil
	}

	if userID == "" {
		return "", errors.NewInvalidRequest("user_id is required to approve")
	}

	if ok, err := s.pending.Update(ctx, pendingID, userID); err != nil || !ok {
		return "", errors.NewInvalidRequest("pending authorization expired before approval")
	}

	code, err := s.codes.Generate(CodeParams{
		ClientID:            entry.ClientID,
		RedirectURI:         entry.RedirectURI,
		CodeChallenge:       entry.CodeChallenge,
		CodeChallengeMethod: entry.CodeChallengeMethod,
		Scope:               entry.Scope,
		State:               entry.State,
	})
	if err != nil {
		return "", err
	}
	if !s.codes.Approve(code, userID) {
		return "", errors.NewServerError("failed to approve authorization code")
	}

	if err := s.pending.Delete(ctx, pendingID); err != nil {
		log.Warn().Err(err).Msg("failed to delete redeemed pending authorization")
	}

	return approvedRedirect(entry.RedirectURI, code, entry.State), nil
}

// DecideCode resolves consent for an already-issued code (the consent UI
// variant that receives the authorization code directly). Denied codes are
// left unapproved; they can never be redeemed and the sweep removes them.
func (s *OAuthService) DecideCode(_ context.Context, code string, approve bool, userID string) (string, error) {
	entry := s.codes.Details(code)
	if entry == nil {
		return "", errors.NewInvalidGrant("unknown authorization code")
	}

	if !approve {
		return deniedRedirect(entry.RedirectURI, entry.State), nil
	}

	if !s.codes.Approve(code, userID) {
		return "", errors.NewInvalidGrant("authorization code cannot be approved")
	}

	return approvedRedirect(entry.RedirectURI, code, entry.State), nil
}

// ExchangeAuthorizationCode redeems an approved code for a protocol bearer
// token with audience bound to the client.
func (s *OAuthService) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	userID, err := s.codes.ValidateAndConsume(ConsumeParams{
		Code:         req.Code,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load user for token issuance")
		return nil, errors.NewServerError("failed to load user")
	}
	if user == nil {
		return nil, errors.NewInvalidGrant("user no longer exists")
	}

	return s.issue(user, req.ClientID)
}

// ExchangeAppToken mints a protocol token from a valid application session
// token, for first-party callers that have already logged in.
func (s *OAuthService) ExchangeAppToken(_ context.Context, appToken, clientID string) (*TokenResponse, error) {
	claims, err := s.tokens.VerifyAppToken(appToken)
	if err != nil {
		return nil, errors.NewInvalidGrant("invalid session token")
	}

	return s.issue(&domain.User{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
	}, clientID)
}

func (s *OAuthService) issue(user *domain.User, clientID string) (*TokenResponse, error) {
	token, err := s.tokens.Mint(user, clientID, ProtocolScope)
	if err != nil {
		log.Error().Err(err).Msg("failed to mint bearer token")
		return nil, errors.NewServerError("failed to mint token")
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokens.TTL().Seconds()),
		Scope:       ProtocolScope,
	}, nil
}

func approvedRedirect(redirectURI, code, state string) string {
	target := fmt.Sprintf("%s?code=%s", redirectURI, url.QueryEscape(code))
	if state != "" {
		target += "&state=" + url.QueryEscape(state)
	}
	return target
}

func deniedRedirect(redirectURI, state string) string {
	target := redirectURI + "?error=access_denied"
	if state != "" {
		target += "&state=" + url.QueryEscape(state)
	}
	return target
}
