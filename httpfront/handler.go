// Package httpfront binds the gateway's frontend contract onto HTTP
// JSON-RPC. It owns nothing but the mapping: bearer credentials go to
// the auth collaborator, method calls go to the session manager, and
// manager errors come back as JSON-RPC error codes. Any other transport
// implementing the same seven operations is equally valid.
package httpfront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/sqlfront/sqlfront/auth"
	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/internal/jsonrpc"
	"github.com/sqlfront/sqlfront/internal/logctx"
	"github.com/sqlfront/sqlfront/sessions"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// OpenSessionParams are the arguments of gateway.openSession.
type OpenSessionParams struct {
	// SharingLevel overrides the configured default
	// (CONNECTION/USER/GROUP/SERVER).
	SharingLevel string `json:"sharingLevel,omitempty" jsonschema:"enum=CONNECTION,enum=USER,enum=GROUP,enum=SERVER"`
	// Tag namespaces the sharing key, typically a tenant identifier.
	Tag string `json:"tag,omitempty"`
	// ProxyUser requests impersonation; it must pass the proxy
	// authorizer.
	ProxyUser string `json:"proxyUser,omitempty"`
	// EnvOverrides are merged over the engine launch template's
	// environment.
	EnvOverrides map[string]string `json:"envOverrides,omitempty"`
}

// OpenSessionResult is the reply of gateway.openSession.
type OpenSessionResult struct {
	SessionID string `json:"sessionId"`
}

// SessionParams address one session.
type SessionParams struct {
	SessionID string `json:"sessionId" jsonschema:"minLength=1"`
}

// ExecuteStatementParams are the arguments of gateway.executeStatement.
type ExecuteStatementParams struct {
	SessionID string `json:"sessionId" jsonschema:"minLength=1"`
	Statement string `json:"statement" jsonschema:"minLength=1"`
	// Async returns immediately after submission; poll with
	// gateway.getOperationStatus.
	Async bool `json:"async,omitempty"`
}

// ExecuteStatementResult is the reply of gateway.executeStatement.
type ExecuteStatementResult struct {
	OperationID string `json:"operationId"`
}

// OperationParams address one operation.
type OperationParams struct {
	OperationID string `json:"operationId" jsonschema:"minLength=1"`
}

// FetchResultsParams are the arguments of gateway.fetchResults.
type FetchResultsParams struct {
	OperationID string `json:"operationId" jsonschema:"minLength=1"`
	MaxRows     int    `json:"maxRows,omitempty"`
}

// OperationStatusResult is the reply of gateway.getOperationStatus.
type OperationStatusResult struct {
	OperationID string `json:"operationId"`
	SessionID   string `json:"sessionId"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

// FetchResultsResult is the reply of gateway.fetchResults.
type FetchResultsResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	HasMore bool     `json:"hasMore"`
}

// Handler serves the gateway RPC surface over HTTP POST.
type Handler struct {
	mgr   sessions.Manager
	authn auth.Authenticator
	proxy auth.ProxyAuthorizer
	log   *slog.Logger
	realm string

	schemas map[string]*jsonschema.Schema
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = slog.New(logctx.Handler{Handler: l.Handler()})
		}
	}
}

// WithProxyAuthorizer enables proxy-user impersonation checks. Without
// one, every proxyUser request is denied.
func WithProxyAuthorizer(p auth.ProxyAuthorizer) Option {
	return func(h *Handler) {
		if p != nil {
			h.proxy = p
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// New builds the frontend handler.
func New(mgr sessions.Manager, authn auth.Authenticator, opts ...Option) (*Handler, error) {
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	h := &Handler{
		mgr:   mgr,
		authn: authn,
		proxy: auth.DenyAllProxy{},
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	// Parameter schemas are derived from the typed param structs, and
	// served by gateway.describe for client-side validation.
	reflector := &jsonschema.Reflector{DoNotReference: true}
	h.schemas = map[string]*jsonschema.Schema{
		"gateway.openSession":        reflector.Reflect(&OpenSessionParams{}),
		"gateway.closeSession":       reflector.Reflect(&SessionParams{}),
		"gateway.executeStatement":   reflector.Reflect(&ExecuteStatementParams{}),
		"gateway.getOperationStatus": reflector.Reflect(&OperationParams{}),
		"gateway.fetchResults":       reflector.Reflect(&FetchResultsParams{}),
		"gateway.cancelOperation":    reflector.Reflect(&OperationParams{}),
		"gateway.closeOperation":     reflector.Reflect(&OperationParams{}),
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctx = logctx.WithPrincipalData(ctx, &logctx.PrincipalData{User: principal.Name, ProxyUser: principal.ProxyName})

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON", nil))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil))
		return
	}
	ctx = scopedContext(ctx, req.Params)
	r = r.WithContext(ctx)

	h.log.DebugContext(ctx, "rpc call", "rpc_method", req.Method)
	result, err := h.dispatch(r, principal, &req)
	if err != nil {
		h.log.InfoContext(ctx, "rpc error", "rpc_method", req.Method, "err", err)
		h.writeResponse(w, errorResponse(req.ID, err))
		return
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil))
		return
	}
	h.writeResponse(w, resp)
}

// authenticate resolves the bearer token. On failure it writes the 401
// challenge itself and reports !ok.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	raw := r.Header.Get(authorizationHeader)
	if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
		h.challenge(w, "invalid_request", "missing bearer token")
		return nil, false
	}
	principal, err := h.authn.Authenticate(r.Context(), strings.TrimPrefix(raw, "Bearer "))
	if err != nil {
		h.challenge(w, "invalid_token", "token validation failed")
		return nil, false
	}
	host, _, found := strings.Cut(r.RemoteAddr, ":")
	if found {
		principal.ClientIP = host
	} else {
		principal.ClientIP = r.RemoteAddr
	}
	return principal, true
}

func (h *Handler) challenge(w http.ResponseWriter, errCode, description string) {
	pieces := make([]string, 0, 3)
	if h.realm != "" {
		pieces = append(pieces, fmt.Sprintf("realm=%q", h.realm))
	}
	pieces = append(pieces, fmt.Sprintf("error=%q", errCode), fmt.Sprintf("error_description=%q", description))
	w.Header().Set(wwwAuthenticateHeader, "Bearer "+strings.Join(pieces, ", "))
	writeJSONError(w, http.StatusUnauthorized, description)
}

func (h *Handler) dispatch(r *http.Request, principal *auth.Principal, req *jsonrpc.Request) (any, error) {
	ctx := r.Context()
	switch req.Method {
	case "gateway.openSession":
		var p OpenSessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.ProxyUser != "" {
			if err := h.proxy.AuthorizeProxyUser(ctx, principal, p.ProxyUser, principal.ClientIP); err != nil {
				return nil, err
			}
			principal.ProxyName = p.ProxyUser
		}
		opts := sessions.OpenOptions{Tag: p.Tag, EnvOverrides: p.EnvOverrides}
		if p.SharingLevel != "" {
			level, err := engines.ParseSharingLevel(p.SharingLevel)
			if err != nil {
				return nil, &paramError{err}
			}
			opts.Level = &level
		}
		id, err := h.mgr.OpenSession(ctx, principal, opts)
		if err != nil {
			return nil, err
		}
		return OpenSessionResult{SessionID: id}, nil

	case "gateway.closeSession":
		var p SessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := h.mgr.CloseSession(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "gateway.executeStatement":
		var p ExecuteStatementParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		opID, err := h.mgr.ExecuteStatement(ctx, p.SessionID, p.Statement, p.Async)
		if err != nil {
			return nil, err
		}
		return ExecuteStatementResult{OperationID: opID}, nil

	case "gateway.getOperationStatus":
		var p OperationParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		info, err := h.mgr.OperationStatus(p.OperationID)
		if err != nil {
			return nil, err
		}
		return OperationStatusResult{
			OperationID: info.ID,
			SessionID:   info.SessionID,
			State:       info.State.String(),
			Error:       info.Error,
		}, nil

	case "gateway.fetchResults":
		var p FetchResultsParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		rs, more, err := h.mgr.FetchResults(ctx, p.OperationID, p.MaxRows)
		if err != nil {
			return nil, err
		}
		return FetchResultsResult{Columns: rs.Columns, Rows: rs.Rows, HasMore: more}, nil

	case "gateway.cancelOperation":
		var p OperationParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := h.mgr.CancelOperation(ctx, p.OperationID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "gateway.closeOperation":
		var p OperationParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := h.mgr.CloseOperation(ctx, p.OperationID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "gateway.describe":
		return h.schemas, nil

	default:
		return nil, &methodNotFound{method: req.Method}
	}
}

// scopedContext peeks at the session/operation handles common to all
// param shapes and attaches them to the log context, so every line
// logged under this call names the entity it acted on.
func scopedContext(ctx context.Context, raw json.RawMessage) context.Context {
	var scope struct {
		SessionID   string `json:"sessionId"`
		OperationID string `json:"operationId"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &scope) != nil {
		return ctx
	}
	if scope.SessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: scope.SessionID})
	}
	if scope.OperationID != "" {
		ctx = logctx.WithOperationData(ctx, &logctx.OperationData{OperationID: scope.OperationID})
	}
	return ctx
}

type methodNotFound struct{ method string }

func (e *methodNotFound) Error() string { return "unknown method " + e.method }

type paramError struct{ err error }

func (e *paramError) Error() string { return e.err.Error() }
func (e *paramError) Unwrap() error { return e.err }

func unmarshalParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return &paramError{fmt.Errorf("params are required")}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &paramError{fmt.Errorf("invalid params: %w", err)}
	}
	return nil
}

// errorResponse maps the gateway error taxonomy onto JSON-RPC codes.
// The data object carries the error kind plus whether the client may
// usefully retry.
func errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var nf *methodNotFound
	var pe *paramError
	switch {
	case errors.As(err, &nf):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, err.Error(), nil)
	case errors.As(err, &pe):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	type kind struct {
		code      jsonrpc.ErrorCode
		name      string
		retryable bool
	}
	for target, k := range map[error]kind{
		auth.ErrUnauthenticated:       {jsonrpc.ErrorCodeUnauthenticated, "UNAUTHENTICATED", false},
		auth.ErrUnauthorized:          {jsonrpc.ErrorCodeUnauthorized, "UNAUTHORIZED", false},
		sessions.ErrInvalidHandle:     {jsonrpc.ErrorCodeInvalidHandle, "INVALID_HANDLE", false},
		sessions.ErrTooManySessions:   {jsonrpc.ErrorCodeTooManySessions, "TOO_MANY_SESSIONS", true},
		sessions.ErrOperationNotReady: {jsonrpc.ErrorCodeOperationNotReady, "OPERATION_NOT_READY", true},
		sessions.ErrOperationFailed:   {jsonrpc.ErrorCodeOperationFailed, "OPERATION_FAILED", false},
		sessions.ErrOperationCanceled: {jsonrpc.ErrorCodeOperationCanceled, "OPERATION_CANCELED", false},
		engines.ErrEngineLaunchFailed: {jsonrpc.ErrorCodeEngineLaunch, "ENGINE_LAUNCH_FAILED", true},
		engines.ErrEngineUnreachable:  {jsonrpc.ErrorCodeEngineUnreachable, "ENGINE_UNREACHABLE", true},
	} {
		if errors.Is(err, target) {
			return jsonrpc.NewErrorResponse(id, k.code, err.Error(), map[string]any{
				"kind":      k.name,
				"retryable": k.retryable,
			})
		}
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("failed to write rpc response", "err", err)
	}
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections
// before a JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
