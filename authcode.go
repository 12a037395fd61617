package mcpauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/errors"
)

const (
	// DefaultCodeTTL is how long an authorization code stays redeemable.
	DefaultCodeTTL = 10 * time.Minute
	// DefaultCodeSweepInterval is how often expired codes are removed.
	DefaultCodeSweepInterval = 5 * time.Minute

	codeEntropyBytes = 32
)

// CodeParams carries the parameters of an authorization request.
type CodeParams struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
}

// ConsumeParams carries the parameters of a code redemption.
type ConsumeParams struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// CodeStore issues, approves and one-time-consumes authorization codes.
// Codes are process-local: an instance can only redeem codes it issued
// itself, which is fine for a single replica but needs a shared backend
// before scaling out.
//
// Lifecycle: pending -> used (consent approved) -> consumed (deleted on
// redemption). Expired entries are dropped by a periodic sweep.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]*domain.AuthCode

	ttl       time.Duration
	sweepTick time.Duration
	now       func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewCodeStore creates a code store and starts its background sweep. Zero
// durations select the defaults. Call Close to stop the sweeper.
func NewCodeStore(ttl, sweepInterval time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultCodeSweepInterval
	}

	s := &CodeStore{
		codes:     make(map[string]*domain.AuthCode),
		ttl:       ttl,
		sweepTick: sweepInterval,
		now:       time.Now,
		done:      make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Generate creates a pending authorization code entry and returns the opaque
// code. The PKCE method is validated here so that an unknown method can never
// reach redemption.
func (s *CodeStore) Generate(params CodeParams) (string, error) {
	if params.ClientID == "" || params.RedirectURI == "" {
		return "", errors.NewInvalidRequest("client_id and redirect_uri are required")
	}

	var method CodeChallengeMethod
	if params.CodeChallenge != "" {
		m, err := ParseCodeChallengeMethod(params.CodeChallengeMethod)
		if err != nil {
			return "", errors.NewInvalidRequest(err.Error())
		}
		method = m
	} else if params.CodeChallengeMethod != "" {
		return "", errors.NewInvalidRequest("code_challenge_method given without code_challenge")
	}

	b := make([]byte, codeEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(b)

	now := s.now()
	entry := &domain.AuthCode{
		Code:                code,
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		State:               params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: string(method),
		ExpiresAt:           now.Add(s.ttl),
		CreatedAt:           now,
	}
	if params.CodeChallenge == "" {
		entry.CodeChallengeMethod = ""
	}

	s.mu.Lock()
	s.codes[code] = entry
	s.mu.Unlock()

	return code, nil
}

// Approve binds a user to a pending code after the consent step. It returns
// false for unknown, expired or already-approved codes; approval happens at
// most once per code.
func (s *CodeStore) Approve(code, userID string) bool {
	if userID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok || entry.Used || entry.Expired(s.now()) {
		return false
	}

	entry.Used = true
	entry.UserID = userID

	return true
}

// ValidateAndConsume redeems an approved code, deleting it on success and
// returning the bound user id. Client, redirect URI and PKCE mismatches all
// surface as a generic invalid_grant so a caller cannot probe which check
// failed.
func (s *CodeStore) ValidateAndConsume(params ConsumeParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[params.Code]
	if !ok {
		return "", errors.NewInvalidGrant("unknown authorization code")
	}

	if entry.Expired(s.now()) {
		delete(s.codes, params.Code)
		return "", errors.NewInvalidGrant("authorization code expired")
	}

	if !entry.Used || entry.UserID == "" {
		return "", errors.NewInvalidGrant("authorization code not approved")
	}

	if entry.ClientID != params.ClientID ||
		entry.RedirectURI != params.RedirectURI ||
		!s.verifyPKCE(entry, params.CodeVerifier) {
		return "", errors.NewInvalidGrant("authorization grant could not be validated")
	}

	delete(s.codes, params.Code)

	return entry.UserID, nil
}

func (s *CodeStore) verifyPKCE(entry *domain.AuthCode, verifier string) bool {
	if entry.CodeChallenge == "" {
		// No challenge at issuance; a stray verifier is ignored.
		return true
	}
	return CodeChallengeMethod(entry.CodeChallengeMethod).Verify(entry.CodeChallenge, verifier)
}

// Details returns a non-consuming copy of the entry for the consent step, or
// nil for unknown or expired codes.
func (s *CodeStore) Details(code string) *domain.AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok || entry.Expired(s.now()) {
		return nil
	}

	cp := *entry
	return &cp
}

// Sweep removes entries past expiry regardless of status and returns the
// number removed. It iterates a snapshot of keys so new issuance is never
// blocked for the duration of the scan.
func (s *CodeStore) Sweep() int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.codes))
	for k := range s.codes {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := 0
	now := s.now()
	for _, k := range keys {
		s.mu.Lock()
		if entry, ok := s.codes[k]; ok && entry.Expired(now) {
			delete(s.codes, k)
			removed++
		}
		s.mu.Unlock()
	}

	return removed
}

// Close stops the background sweep.
func (s *CodeStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *CodeStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("swept expired authorization codes")
			}
		case <-s.done:
			return
		}
	}
}
