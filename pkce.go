package mcpauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// CodeChallengeMethod is a PKCE challenge transformation method.
type CodeChallengeMethod string

const (
	// CodeChallengeS256 compares the challenge against base64url(SHA-256(verifier)).
	CodeChallengeS256 CodeChallengeMethod = "S256"
	// CodeChallengePlain compares the challenge and verifier byte for byte.
	CodeChallengePlain CodeChallengeMethod = "plain"
)

// ParseCodeChallengeMethod validates a code_challenge_method parameter.
// An empty value defaults to "plain" per RFC 7636 §4.3; anything other than
// the two known methods is rejected so that a bad method never reaches the
// redemption path.
func ParseCodeChallengeMethod(s string) (CodeChallengeMethod, error) {
	switch CodeChallengeMethod(s) {
	case "":
		return CodeChallengePlain, nil
	case CodeChallengeS256:
		return CodeChallengeS256, nil
	case CodeChallengePlain:
		return CodeChallengePlain, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method %q", s)
	}
}

// Verify checks a code verifier against a previously stored challenge using
// the method's transformation.
func (m CodeChallengeMethod) Verify(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}

	switch m {
	case CodeChallengeS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
	case CodeChallengePlain:
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
	default:
		return false
	}
}
