// Package dispatch resolves inbound protocol calls to an execution context —
// an existing session or a throwaway stateless one — and delegates them to
// the external tool-execution layer.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/sessions"
)

// Call is the resolved unit of work handed to the executor.
type Call struct {
	Method string
	Params json.RawMessage

	// User is the authenticated subject.
	User *domain.User

	// Session is the bound session, or the disposable per-call session for
	// stateless callers.
	Session *domain.Session

	// Stateless is true when Session is a throwaway context that will be
	// discarded after the call.
	Stateless bool
}

// Executor is the external tool-execution layer. It handles handshake,
// listing and invocation methods uniformly; the dispatcher never interprets
// method semantics beyond session binding.
type Executor interface {
	Execute(ctx context.Context, call Call) (any, error)
}

// Dispatcher binds protocol requests to sessions. A caller-supplied session
// identifier resolves to that session or, on a miss, to a disposable
// stateless context; only calls without an identifier bind the
// authenticated user's newest session. Session lookup misses are not
// errors; the call proceeds statelessly.
type Dispatcher struct {
	manager  *sessions.Manager
	executor Executor
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(manager *sessions.Manager, executor Executor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		manager:  manager,
		executor: executor,
		logger:   logger,
	}
}

// Dispatch resolves and executes a single protocol request. token is the
// verified bearer token the request arrived with, sessionID the optional
// explicit session identifier header, and user the authenticated subject.
//
// Stateless resolution synthesizes a fresh context per call: nothing is
// persisted, and per-session state such as the event sequence resets every
// time. Responses are otherwise identical to the stateful path.
func (d *Dispatcher) Dispatch(ctx context.Context, token, sessionID string, user *domain.User, req *Request) *Response {
	if req.JSONRPC != Version || req.Method == "" {
		return NewError(req.ID, CodeInvalidRequest, "malformed request envelope")
	}

	// The handshake binds (or re-binds) a session for the connection.
	if req.Method == "initialize" {
		return d.dispatchInitialize(ctx, token, user, req)
	}

	session, stateless := d.resolve(ctx, sessionID, user)
	if !stateless {
		// Sliding refresh on every stateful access.
		if err := d.manager.Touch(ctx, session.Key); err != nil {
			d.logger.Error().Err(err).Msg("session refresh failed")
			return NewError(req.ID, CodeInternalError, "session store unavailable")
		}
	}

	return d.execute(ctx, user, session, stateless, req)
}

func (d *Dispatcher) dispatchInitialize(ctx context.Context, token string, user *domain.User, req *Request) *Response {
	meta := sessions.Meta{}
	var params struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewError(req.ID, CodeInvalidParams, "malformed initialize params")
		}
		meta.ClientCapabilities = params.Capabilities
	}

	session, err := d.manager.GetOrCreate(ctx, token, user, meta)
	if err != nil {
		d.logger.Error().Err(err).Msg("session creation failed")
		return NewError(req.ID, CodeInternalError, "session store unavailable")
	}

	return d.execute(ctx, user, session, false, req)
}

// resolve finds the execution context for a non-handshake call. An explicit
// session identifier is authoritative: when it misses, the call goes
// stateless rather than binding some other connection's session. Only calls
// without an identifier fall back to the user's newest session.
func (d *Dispatcher) resolve(ctx context.Context, sessionID string, user *domain.User) (*domain.Session, bool) {
	if sessionID != "" {
		session, err := d.manager.FindByConnectionID(ctx, user.ID, sessionID)
		if err != nil {
			d.logger.Warn().Err(err).Msg("explicit session lookup failed, treating call as stateless")
		} else if session != nil {
			return session, false
		}
		return d.statelessSession(user), true
	}

	session, err := d.manager.NewestForUser(ctx, user.ID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("user session lookup failed, treating call as stateless")
	} else if session != nil {
		return session, false
	}

	return d.statelessSession(user), true
}

// statelessSession builds the disposable context for a token-only call.
func (d *Dispatcher) statelessSession(user *domain.User) *domain.Session {
	return &domain.Session{
		UserID:  user.ID,
		Context: make(map[string]any),
	}
}

func (d *Dispatcher) execute(ctx context.Context, user *domain.User, session *domain.Session, stateless bool, req *Request) *Response {
	result, err := d.executor.Execute(ctx, Call{
		Method:    req.Method,
		Params:    req.Params,
		User:      user,
		Session:   session,
		Stateless: stateless,
	})
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			return &Response{JSONRPC: Version, ID: req.ID, Error: rpcErr}
		}
		d.logger.Error().Err(err).Str("method", req.Method).Msg("tool execution failed")
		return NewError(req.ID, CodeInternalError, "internal error")
	}

	return NewResult(req.ID, result)
}
