package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// mockTestingT records failures instead of failing the enclosing test.
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func TestSeedDocuments(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	SeedDocuments(t, st, WelcomeLevel, ReminderNudge)
	SeedCampaign(t, st, "camp", "l1")

	g, err := st.GetGraph(ctx, "n1")
	if err != nil {
		t.Fatalf("nudge graph not stored: %v", err)
	}
	if g.Kind != models.GraphKindNudge {
		t.Errorf("Kind = %q, want nudge", g.Kind)
	}
	c, err := st.GetCampaign(ctx, "camp")
	if err != nil {
		t.Fatalf("campaign not stored: %v", err)
	}
	if len(c.Levels) != 1 || c.Levels[0] != "l1" {
		t.Errorf("unexpected levels: %v", c.Levels)
	}

	mockT := &mockTestingT{}
	SeedDocuments(mockT, st, `{"hello": "world"}`)
	if !mockT.failed {
		t.Error("expected an unknown document to fail")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if !mockT.helper {
				t.Error("expected Helper to be called")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expected   models.APIStatus
		shouldFail bool
	}{
		{"ok status", `{"status":"ok","result":{"id":"l1"}}`, models.APIStatusOK, false},
		{"wrong status", `{"status":"error","message":"boom"}`, models.APIStatusOK, true},
		{"missing status", `{"result":1}`, models.APIStatusOK, true},
		{"not json", `oops`, models.APIStatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.WriteString(tt.body)
			mockT := &mockTestingT{}
			AssertJSONResponse(mockT, rr, tt.expected)
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/campaigns", map[string]any{"name": "Spring"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"name":"Spring"}` {
		t.Errorf("unexpected body %q", body)
	}

	req = CreateHTTPRequest(t, http.MethodPost, "/flows", "id: l1")
	body, _ = io.ReadAll(req.Body)
	if string(body) != "id: l1" || req.Header.Get("Content-Type") != "" {
		t.Errorf("expected raw string body, got %q", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if req.Method != http.MethodGet || req.URL.Path != "/healthz" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, models.Success("x"))
	if string(data) != `{"status":"ok","result":"x"}` {
		t.Errorf("unexpected JSON %s", data)
	}

	mockT := &mockTestingT{}
	MustMarshalJSON(mockT, make(chan int))
	if !mockT.failed {
		t.Error("expected marshal of a channel to fail")
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var resp models.APIResponse
	MustUnmarshalJSON(t, []byte(`{"status":"error","message":"boom"}`), &resp)
	if resp.Status != "error" || resp.Message != "boom" {
		t.Errorf("unexpected response %+v", resp)
	}

	mockT := &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte(`{`), &resp)
	if !mockT.failed {
		t.Error("expected invalid JSON to fail")
	}
}
