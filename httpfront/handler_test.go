package httpfront

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sqlfront/sqlfront/auth/authtest"
	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/engines/enginetest"
	"github.com/sqlfront/sqlfront/internal/jsonrpc"
	"github.com/sqlfront/sqlfront/internal/provisioner"
	"github.com/sqlfront/sqlfront/internal/sessioncore"
)

// newTestServer stands up the full stack behind the HTTP frontend:
// static auth, a fake engine fleet, a real provisioner and manager.
func newTestServer(t *testing.T) (*httptest.Server, *enginetest.Backend) {
	t.Helper()
	backend := enginetest.New()

	prov, err := provisioner.New(backend, backend.Dialer())
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	mgr, err := sessioncore.New(sessioncore.Config{
		Provisioner: prov,
		Dial:        backend.Dialer(),
		Template: func() engines.LaunchSpec {
			return engines.LaunchSpec{Command: "fake-engine"}
		},
		DefaultLevel: engines.LevelUser,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	authn := authtest.NewStatic(map[string]string{"alice-token": "alice"})
	h, err := New(mgr, authn, WithRealm("sqlfront-test"), WithProxyAuthorizer(authn))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
		prov.Close()
	})
	return srv, backend
}

// call posts one JSON-RPC request with alice's token and decodes the
// response envelope.
func call(t *testing.T, srv *httptest.Server, method string, params any) *jsonrpc.Response {
	t.Helper()
	return callWith(t, srv, "alice-token", method, params)
}

func callWith(t *testing.T, srv *httptest.Server, token, method string, params any) *jsonrpc.Response {
	t.Helper()
	rawParams, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         rawParams,
		ID:             jsonrpc.NewRequestID(1),
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("HTTP %d from %s", httpResp.StatusCode, method)
	}

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func decodeResult(t *testing.T, resp *jsonrpc.Response, into any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if err := json.Unmarshal(resp.Result, into); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestMissingBearerTokenChallenges(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.Contains(challenge, `realm="sqlfront-test"`) {
		t.Fatalf("challenge %q missing realm", challenge)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRequiresJSONContentType(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestOnlyPostAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestSessionLifecycleRoundTrip(t *testing.T) {
	srv, backend := newTestServer(t)

	var opened OpenSessionResult
	decodeResult(t, call(t, srv, "gateway.openSession", OpenSessionParams{}), &opened)
	if opened.SessionID == "" {
		t.Fatal("empty session id")
	}
	if n := backend.Launches(); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}

	var exec ExecuteStatementResult
	decodeResult(t, call(t, srv, "gateway.executeStatement", ExecuteStatementParams{
		SessionID: opened.SessionID,
		Statement: "SELECT 1",
	}), &exec)

	var status OperationStatusResult
	decodeResult(t, call(t, srv, "gateway.getOperationStatus", OperationParams{OperationID: exec.OperationID}), &status)
	if status.State != "FINISHED" {
		t.Fatalf("state = %q, want FINISHED", status.State)
	}

	var fetched FetchResultsResult
	decodeResult(t, call(t, srv, "gateway.fetchResults", FetchResultsParams{OperationID: exec.OperationID}), &fetched)
	if fetched.HasMore || len(fetched.Rows) != 1 {
		t.Fatalf("rows = %v hasMore = %v", fetched.Rows, fetched.HasMore)
	}

	resp := call(t, srv, "gateway.closeOperation", OperationParams{OperationID: exec.OperationID})
	if resp.Error != nil {
		t.Fatalf("close operation: %v", resp.Error)
	}
	resp = call(t, srv, "gateway.closeSession", SessionParams{SessionID: opened.SessionID})
	if resp.Error != nil {
		t.Fatalf("close session: %v", resp.Error)
	}

	// The handle is gone now.
	resp = call(t, srv, "gateway.executeStatement", ExecuteStatementParams{
		SessionID: opened.SessionID,
		Statement: "SELECT 1",
	})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidHandle {
		t.Fatalf("execute on closed session: %+v, want code %d", resp.Error, jsonrpc.ErrorCodeInvalidHandle)
	}
}

func TestErrorMappingCarriesRetryable(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := call(t, srv, "gateway.getOperationStatus", OperationParams{OperationID: "nope"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidHandle {
		t.Fatalf("error = %+v, want invalid handle code", resp.Error)
	}
	data, ok := resp.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("error data = %T, want object", resp.Error.Data)
	}
	if data["kind"] != "INVALID_HANDLE" || data["retryable"] != false {
		t.Fatalf("error data = %v", data)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := call(t, srv, "gateway.nope", struct{}{})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("error = %+v, want method not found", resp.Error)
	}
}

func TestInvalidParams(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := call(t, srv, "gateway.openSession", OpenSessionParams{SharingLevel: "CLUSTER"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("error = %+v, want invalid params", resp.Error)
	}
}

func TestProxyUserAuthorization(t *testing.T) {
	srv, _ := newTestServer(t)

	// The static authorizer has no alice:bob grant.
	resp := call(t, srv, "gateway.openSession", OpenSessionParams{ProxyUser: "bob"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeUnauthorized {
		t.Fatalf("error = %+v, want unauthorized", resp.Error)
	}
}

func TestRequestLogsCarryScope(t *testing.T) {
	backend := enginetest.New()
	prov, err := provisioner.New(backend, backend.Dialer())
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	mgr, err := sessioncore.New(sessioncore.Config{
		Provisioner: prov,
		Dial:        backend.Dialer(),
		Template: func() engines.LaunchSpec {
			return engines.LaunchSpec{Command: "fake-engine"}
		},
		DefaultLevel: engines.LevelUser,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		mgr.Close()
		prov.Close()
	})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	authn := authtest.NewStatic(map[string]string{"alice-token": "alice"})
	h, err := New(mgr, authn, WithLogger(logger))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	post := func(method string, params any) *jsonrpc.Response {
		t.Helper()
		rawParams, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		body, err := json.Marshal(&jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         method,
			Params:         rawParams,
			ID:             jsonrpc.NewRequestID(1),
		})
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer alice-token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		var resp jsonrpc.Response
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return &resp
	}

	var opened OpenSessionResult
	decodeResult(t, post("gateway.openSession", OpenSessionParams{}), &opened)
	var exec ExecuteStatementResult
	buf.Reset()
	decodeResult(t, post("gateway.executeStatement", ExecuteStatementParams{
		SessionID: opened.SessionID,
		Statement: "SELECT 1",
	}), &exec)
	if logs := buf.String(); !strings.Contains(logs, "sess.id="+opened.SessionID) {
		t.Fatalf("execute logs carry no session scope:\n%s", logs)
	}

	buf.Reset()
	var status OperationStatusResult
	decodeResult(t, post("gateway.getOperationStatus", OperationParams{OperationID: exec.OperationID}), &status)
	if logs := buf.String(); !strings.Contains(logs, "op.id="+exec.OperationID) {
		t.Fatalf("status logs carry no operation scope:\n%s", logs)
	}
	if logs := buf.String(); !strings.Contains(logs, "principal.user=alice") {
		t.Fatalf("logs carry no principal scope:\n%s", logs)
	}
}

func TestDescribeListsMethods(t *testing.T) {
	srv, _ := newTestServer(t)

	var schemas map[string]json.RawMessage
	decodeResult(t, call(t, srv, "gateway.describe", struct{}{}), &schemas)
	for _, method := range []string{
		"gateway.openSession",
		"gateway.executeStatement",
		"gateway.fetchResults",
	} {
		if _, ok := schemas[method]; !ok {
			t.Fatalf("describe missing %s: %v", method, keys(schemas))
		}
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
