// Package testutil provides common test utilities and helpers for indusgpt tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/samedit66/indusgpt/internal/oracle"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// OracleFunc answers one oracle request.
type OracleFunc func(req oracle.Request) (string, error)

// FakeOracle is a scripted oracle.Client. Requests are routed by Request.SchemaName.
type FakeOracle struct {
	mu       sync.Mutex
	handlers map[string]OracleFunc
	queued   map[string][]string
	calls    []oracle.Request
	// Block, when set, is waited on before every answer.
	Block chan struct{}
}

var _ oracle.Client = (*FakeOracle)(nil)

// NewFakeOracle creates an oracle with no scripted answers.
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{handlers: make(map[string]OracleFunc), queued: make(map[string][]string)}
}

// On answers every request for schema with fn. Queued replies take precedence.
func (f *FakeOracle) On(schema string, fn OracleFunc) *FakeOracle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[schema] = fn
	return f
}

// Queue adds replies answered in order for schema, each encoded as JSON.
func (f *FakeOracle) Queue(schema string, replies ...any) *FakeOracle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range replies {
		f.queued[schema] = append(f.queued[schema], MustJSON(r))
	}
	return f
}

// Complete implements oracle.Client.
func (f *FakeOracle) Complete(ctx context.Context, req oracle.Request) (string, error) {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if q := f.queued[req.SchemaName]; len(q) > 0 {
		f.queued[req.SchemaName] = q[1:]
		f.mu.Unlock()
		return q[0], nil
	}
	fn := f.handlers[req.SchemaName]
	f.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("fake oracle: no answer scripted for schema %q", req.SchemaName)
	}
	return fn(req)
}

// Calls returns the requests seen for schema, or all requests when schema is "".
func (f *FakeOracle) Calls(schema string) []oracle.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []oracle.Request
	for _, c := range f.calls {
		if schema == "" || c.SchemaName == schema {
			out = append(out, c)
		}
	}
	return out
}

// Reply returns an OracleFunc that always answers v encoded as JSON.
func Reply(v any) OracleFunc {
	body := MustJSON(v)
	return func(oracle.Request) (string, error) { return body, nil }
}

// Fail returns an OracleFunc that always fails with err.
func Fail(err error) OracleFunc {
	return func(oracle.Request) (string, error) { return "", err }
}

// MustJSON encodes v, passing strings through unchanged.
func MustJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal %T: %v", v, err))
	}
	return string(b)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Errorf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
