package mcpauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"go.tasknest.dev/mcpauth/domain"
)

const (
	// TokenUseProtocol marks bearer tokens minted for the tool-invocation
	// protocol. Tokens carrying any other marker are rejected by Verify even
	// when otherwise valid.
	TokenUseProtocol = "mcp_access"
	// TokenUseApp marks the general-purpose application session tokens that
	// the direct-exchange path accepts as proof of prior login.
	TokenUseApp = "access"

	// DefaultAccessTokenTTL is the protocol token lifetime.
	DefaultAccessTokenTTL = 30 * 24 * time.Hour

	// ProtocolScope is the fixed scope set granted to protocol tokens.
	ProtocolScope = "mcp:tools mcp:resources"
)

// Verification failure modes, kept distinct so callers can map them to the
// expired_token / invalid_token taxonomy.
var (
	ErrTokenInvalid   = errors.New("token is malformed or has an invalid signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
)

// AccessClaims is the claim set carried by issued bearer tokens.
type AccessClaims struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	TokenUse string `json:"token_use"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// TokenResponse is the OAuth token endpoint success payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// TokenService mints and verifies signed bearer tokens. Tokens are verified,
// not looked up: nothing is stored server-side beyond the session keyed off
// the token's one-way hash.
type TokenService struct {
	signer *TokenSigner
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenService creates a TokenService signing with the given symmetric
// secret. A zero ttl selects DefaultAccessTokenTTL.
func NewTokenService(issuer, secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	signer := NewTokenSigner()
	signer.AddKeySigner(secret)

	return &TokenService{
		signer: signer,
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// TTL returns the configured protocol token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Mint issues a protocol bearer token for the user, with the client id as
// audience.
func (s *TokenService) Mint(user *domain.User, clientID, scope string) (string, error) {
	if scope == "" {
		scope = ProtocolScope
	}

	now := time.Now()
	claims := &AccessClaims{
		Email:    user.Email,
		Name:     user.Name,
		TokenUse: TokenUseProtocol,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	return s.signer.Sign(claims, "")
}

// Verify validates a protocol bearer token: signature, expiry, issuer and
// type marker. The audience names the client the token was issued to and
// must be present, but is not matched against a particular client here: the
// protocol endpoint serves every registered client, so it accepts any
// audience and reads the client identity from the returned claims. Callers
// that expect a specific client use VerifyForClient.
func (s *TokenService) Verify(tokenString string) (*AccessClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.TokenUse != TokenUseProtocol {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenType, claims.TokenUse)
	}
	if len(claims.Audience) == 0 {
		return nil, fmt.Errorf("%w: missing audience", ErrTokenInvalid)
	}

	return claims, nil
}

// VerifyForClient validates a protocol bearer token and additionally
// requires that it was issued to the given client.
func (s *TokenService) VerifyForClient(tokenString, clientID string) (*AccessClaims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	for _, aud := range claims.Audience {
		if aud == clientID {
			return claims, nil
		}
	}

	return nil, fmt.Errorf("%w: token was not issued to this client", ErrTokenInvalid)
}

// VerifyAppToken validates a general-purpose application session token for
// the direct-exchange path.
func (s *TokenService) VerifyAppToken(tokenString string) (*AccessClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.TokenUse != TokenUseApp {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenType, claims.TokenUse)
	}

	return claims, nil
}

func (s *TokenService) parse(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	return claims, nil
}
