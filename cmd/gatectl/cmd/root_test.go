package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
)

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	want := err == nil
	if got := checkJQAvailable(); got != want {
		t.Errorf("checkJQAvailable() = %v, want %v", got, want)
	}
}

func TestParseJSONArg(t *testing.T) {
	tests := []struct {
		name    string
		jsonStr string
		wantErr bool
	}{
		{"valid simple json", `{"key":"value","number":42}`, false},
		{"valid nested json", `{"user":{"id":123,"name":"Ann"},"active":true}`, false},
		{"valid array", `[1,2,3]`, false},
		{"empty json object", `{}`, false},
		{"invalid json - missing quotes", `{key:value}`, true},
		{"invalid json - trailing comma", `{"key":"value",}`, true},
		{"invalid json - truncated", `{"key":"value"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJSONArg(tt.jsonStr)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseJSONArg() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCallAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-org-id") != "org-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false, "code": "MISSING_ORG", "error": "request is not org-scoped",
			})
			return
		}
		switch r.URL.Path {
		case "/v1/events":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true, "eventId": "evt-1", "routed": 2,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false, "code": "EXECUTION_NOT_FOUND", "error": "execution x not found",
			})
		}
	}))
	defer srv.Close()

	savedAddr, savedOrg := serverAddr, orgID
	defer func() { serverAddr, orgID = savedAddr, savedOrg }()
	serverAddr = srv.URL
	orgID = "org-test"

	resp, err := callAPI(http.MethodPost, "/v1/events", map[string]any{"eventType": "x"})
	if err != nil {
		t.Fatalf("callAPI() error = %v", err)
	}
	if !resp.succeeded() {
		t.Error("expected success envelope")
	}
	if resp.str("eventId") != "evt-1" {
		t.Errorf("eventId = %q", resp.str("eventId"))
	}

	if _, err := callAPI(http.MethodGet, "/v1/logs/x", nil); err == nil {
		t.Error("expected error for failure envelope")
	}

	orgID = ""
	if _, err := callAPI(http.MethodPost, "/v1/events", nil); err == nil {
		t.Error("expected error without org")
	}
}
