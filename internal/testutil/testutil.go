// Package testutil provides common test fixtures and helpers for FlowPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/graphio"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// TestingT is the part of *testing.T the helpers use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
	Error(args ...any)
	Fatalf(format string, args ...any)
}

// WelcomeLevel is a level graph that asks for a name and ends.
const WelcomeLevel = `{
  "id": "l1", "name": "Welcome", "type": "level",
  "data": {
    "nodes": [
      {"id": "s", "type": "start", "data": {}},
      {"id": "ask", "type": "prompt", "data": {"text": "What is your name?"}},
      {"id": "bye", "type": "end", "data": {"text": "Thanks"}}
    ],
    "edges": [
      {"id": "e1", "source": "s", "target": "ask"},
      {"id": "e2", "source": "ask", "target": "bye"}
    ]
  }
}`

// ReminderNudge is a nudge graph, in YAML, with only a start node.
const ReminderNudge = `
id: n1
name: Reminder
type: nudge
data:
  nodes:
    - {id: s, type: start, data: {}}
  edges: []
`

// SeedDocuments loads each graph or campaign document and imports it into st.
func SeedDocuments(t TestingT, st graphio.Target, docs ...string) {
	t.Helper()
	for _, doc := range docs {
		b, err := graphio.Load(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("failed to load test document: %v", err)
			return
		}
		if err := graphio.Import(context.Background(), st, b); err != nil {
			t.Fatalf("failed to import test document: %v", err)
			return
		}
	}
}

// SeedCampaign stores a campaign over the given levels.
func SeedCampaign(t TestingT, st graphio.Target, id string, levels ...string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{ID: id, Name: "Campaign " + id, Levels: levels}
	if err := st.PutCampaign(context.Background(), c); err != nil {
		t.Fatalf("failed to store campaign %s: %v", id, err)
	}
	return c
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse and validates its status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
		return response
	}
	if response.Status == "" {
		t.Error("response missing 'status' field")
	} else if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response
}

// CreateHTTPRequest creates a test request. A string body is sent as is;
// any other non-nil body is encoded as JSON.
func CreateHTTPRequest(t TestingT, method, url string, body any) *http.Request {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
		reader = http.NoBody
	case string:
		reader = strings.NewReader(b)
	default:
		reader = bytes.NewReader(MustMarshalJSON(t, b))
	}
	req := httptest.NewRequest(method, url, reader)
	if _, isString := body.(string); body != nil && !isString {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
