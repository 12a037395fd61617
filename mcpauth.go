// Package mcpauth implements the OAuth 2.1 authorization subsystem guarding
// the tool-invocation protocol endpoint: authorization-code issuance with
// PKCE, a staging hand-off to the external consent UI, bearer-token issuance
// and verification, and TTL-governed session management for both stateful
// and token-only callers.
//
// All services are constructed explicitly and own their background timers;
// nothing here lives in package-level state. Storage backends are chosen via
// configuration through the pending and sessions package factories.
package mcpauth
