package integration

import (
	"strings"
	"testing"
	"time"
)

func valid() *Integration {
	return &Integration{
		ID:           "int-1",
		OrgID:        "org-1",
		Direction:    Outbound,
		EventType:    "user.created",
		TargetURL:    "https://example.com/hook",
		Method:       "POST",
		AuthType:     AuthNone,
		DeliveryMode: Immediate,
		Request:      TransformConfig{Mode: TransformNone},
		Response:     TransformConfig{Mode: TransformNone},
		Active:       true,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Integration)
		wantErr string // substring, empty means valid
	}{
		{"valid immediate", func(i *Integration) {}, ""},
		{"unknown direction", func(i *Integration) { i.Direction = "SIDEWAYS" }, "unknown direction"},
		{"delayed without script", func(i *Integration) { i.DeliveryMode = Delayed }, "requires a schedule script"},
		{"delayed with script", func(i *Integration) {
			i.DeliveryMode = Delayed
			i.ScheduleScript = "return now + 1000"
		}, ""},
		{"recurring without script", func(i *Integration) { i.DeliveryMode = Recurring }, "requires a schedule script"},
		{"no target no actions", func(i *Integration) { i.TargetURL = "" }, "no target URL"},
		{"streaming needs no target", func(i *Integration) {
			i.TargetURL = ""
			i.Streaming = true
		}, ""},
		{"script transform without script", func(i *Integration) {
			i.Request = TransformConfig{Mode: TransformScript}
		}, "SCRIPT mode requires a script"},
		{"simple transform without mapping", func(i *Integration) {
			i.Request = TransformConfig{Mode: TransformSimple}
		}, "requires a mapping"},
		{"simple transform with static only", func(i *Integration) {
			i.Request = TransformConfig{Mode: TransformSimple, Static: map[string]any{"source": "gateway"}}
		}, ""},
		{"streaming with response script", func(i *Integration) {
			i.Streaming = true
			i.Response = TransformConfig{Mode: TransformScript, Script: "return payload"}
		}, "streaming skips response transformation"},
		{"rate limit missing window", func(i *Integration) {
			i.RateLimit = RateLimit{Enabled: true, MaxRequests: 10}
		}, "rate limit requires"},
		{"api key auth missing header", func(i *Integration) {
			i.AuthType = AuthAPIKey
			i.Auth = AuthConfig{APIKey: "k"}
		}, "API_KEY auth requires"},
		{"oauth2 missing token url", func(i *Integration) {
			i.AuthType = AuthOAuth2
			i.Auth = AuthConfig{ClientID: "c"}
		}, "OAUTH2 auth requires"},
		{"oauth2 complete", func(i *Integration) {
			i.AuthType = AuthOAuth2
			i.Auth = AuthConfig{ClientID: "c", ClientSecret: "s", TokenURL: "https://idp/token"}
		}, ""},
		{"http action missing url", func(i *Integration) {
			i.Actions = []Action{{ID: "a1", Kind: ActionHTTP}}
		}, "requires targetUrl"},
		{"communication action missing provider", func(i *Integration) {
			i.Actions = []Action{{ID: "a1", Kind: ActionCommunication, Channel: "email"}}
		}, "requires channel and provider"},
		{"communication action complete", func(i *Integration) {
			i.Actions = []Action{{ID: "a1", Kind: ActionCommunication, Channel: "email", Provider: "logmail"}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			integ := valid()
			tt.mutate(integ)
			err := integ.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTimeoutDefault(t *testing.T) {
	integ := valid()
	if got := integ.Timeout(); got != 15*time.Second {
		t.Errorf("Timeout() default = %v, want 15s", got)
	}
	integ.TimeoutSeconds = 3
	if got := integ.Timeout(); got != 3*time.Second {
		t.Errorf("Timeout() = %v, want 3s", got)
	}
}

func TestUnmarshalConfig(t *testing.T) {
	raw := []byte(`{
		"id": "int-9", "orgId": "org-1", "direction": "OUTBOUND",
		"eventType": "order.paid", "targetUrl": "https://example.com",
		"method": "POST", "authType": "NONE", "deliveryMode": "IMMEDIATE",
		"request": {"mode": "NONE"}, "response": {"mode": "NONE"}, "active": true
	}`)
	integ, err := UnmarshalConfig(raw)
	if err != nil {
		t.Fatalf("UnmarshalConfig() error = %v", err)
	}
	if integ.ID != "int-9" || integ.Direction != Outbound {
		t.Errorf("unexpected integration: %+v", integ)
	}

	if _, err := UnmarshalConfig([]byte(`{"id": "x", "direction": "NOPE"}`)); err == nil {
		t.Error("UnmarshalConfig() should reject an invalid direction")
	}
	if _, err := UnmarshalConfig([]byte(`not json`)); err == nil {
		t.Error("UnmarshalConfig() should reject malformed JSON")
	}
}
