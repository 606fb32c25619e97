package integration

import (
	"encoding/json"
	"time"

	"github.com/calebmorten/eventgate/internal/fault"
)

// Direction of an integration relative to the gateway.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// DeliveryMode controls when an event fires.
type DeliveryMode string

const (
	Immediate DeliveryMode = "IMMEDIATE"
	Delayed   DeliveryMode = "DELAYED"
	Recurring DeliveryMode = "RECURRING"
)

// TransformMode selects the reshaping strategy.
type TransformMode string

const (
	TransformNone   TransformMode = "NONE"
	TransformSimple TransformMode = "SIMPLE"
	TransformScript TransformMode = "SCRIPT"
)

// AuthType selects the outbound authentication scheme.
type AuthType string

const (
	AuthNone   AuthType = "NONE"
	AuthAPIKey AuthType = "API_KEY"
	AuthBearer AuthType = "BEARER"
	AuthBasic  AuthType = "BASIC"
	AuthOAuth2 AuthType = "OAUTH2"
	AuthCustom AuthType = "CUSTOM"
)

// ActionKind distinguishes HTTP fan-out targets from communication channels.
type ActionKind string

const (
	ActionHTTP          ActionKind = "HTTP"
	ActionCommunication ActionKind = "COMMUNICATION"
)

// AuthConfig holds scheme-specific credential material.
type AuthConfig struct {
	HeaderName   string            `json:"headerName,omitempty"` // API_KEY
	APIKey       string            `json:"apiKey,omitempty"`
	Token        string            `json:"token,omitempty"` // BEARER static
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	TokenURL     string            `json:"tokenUrl,omitempty"` // OAUTH2
	ClientID     string            `json:"clientId,omitempty"`
	ClientSecret string            `json:"clientSecret,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"` // CUSTOM
}

// TransformConfig describes one direction of reshaping.
type TransformConfig struct {
	Mode    TransformMode     `json:"mode"`
	Script  string            `json:"script,omitempty"`  // SCRIPT: Lua source
	Mapping map[string]string `json:"mapping,omitempty"` // SIMPLE: target field -> source path
	Static  map[string]any    `json:"static,omitempty"`  // SIMPLE: target field -> literal
}

// RateLimit is the per-integration fixed-window quota.
type RateLimit struct {
	Enabled       bool `json:"enabled"`
	MaxRequests   int  `json:"maxRequests"`
	WindowSeconds int  `json:"windowSeconds"`
}

// Action is a sub-target of an integration, enabling fan-out.
type Action struct {
	ID        string          `json:"id"`
	Kind      ActionKind      `json:"kind"`
	TargetURL string          `json:"targetUrl,omitempty"`
	Method    string          `json:"method,omitempty"`
	Channel   string          `json:"channel,omitempty"`  // COMMUNICATION: email, sms
	Provider  string          `json:"provider,omitempty"` // COMMUNICATION: adapter key
	Request   TransformConfig `json:"request"`
}

// Integration is a tenant-owned delivery rule. It is read-only input to the
// delivery pipeline; mutation happens in the management plane.
type Integration struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	Name           string          `json:"name"`
	Direction      Direction       `json:"direction"`
	EventType      string          `json:"eventType"`
	TargetURL      string          `json:"targetUrl"`
	Method         string          `json:"method"`
	AuthType       AuthType        `json:"authType"`
	Auth           AuthConfig      `json:"auth"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
	MaxRetries     int             `json:"maxRetries"`
	Request        TransformConfig `json:"request"`
	Response       TransformConfig `json:"response"`
	Actions        []Action        `json:"actions,omitempty"`
	RateLimit      RateLimit       `json:"rateLimit"`
	DeliveryMode   DeliveryMode    `json:"deliveryMode"`
	ScheduleScript string          `json:"scheduleScript,omitempty"`
	Streaming      bool            `json:"streaming"`
	CreateDLQ      bool            `json:"createDlq"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Timeout returns the outbound call timeout with a sane default.
func (i *Integration) Timeout() time.Duration {
	if i.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// Validate checks the tagged-union shape at configuration load time, so the
// delivery pipeline never has to branch on malformed configs.
func (i *Integration) Validate() error {
	switch i.Direction {
	case Inbound, Outbound:
	default:
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: unknown direction %q", i.ID, i.Direction)
	}
	switch i.DeliveryMode {
	case Immediate:
	case Delayed, Recurring:
		if i.ScheduleScript == "" {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: delivery mode %s requires a schedule script", i.ID, i.DeliveryMode)
		}
	default:
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: unknown delivery mode %q", i.ID, i.DeliveryMode)
	}
	if i.TargetURL == "" && len(i.Actions) == 0 && !i.Streaming {
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: no target URL and no actions", i.ID)
	}
	if err := validateTransform(i.ID, "request", i.Request); err != nil {
		return err
	}
	if err := validateTransform(i.ID, "response", i.Response); err != nil {
		return err
	}
	if i.Streaming && i.Response.Mode == TransformScript {
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: streaming skips response transformation", i.ID)
	}
	if i.RateLimit.Enabled && (i.RateLimit.MaxRequests <= 0 || i.RateLimit.WindowSeconds <= 0) {
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: rate limit requires maxRequests and windowSeconds > 0", i.ID)
	}
	switch i.AuthType {
	case AuthNone, AuthCustom:
	case AuthAPIKey:
		if i.Auth.HeaderName == "" || i.Auth.APIKey == "" {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: API_KEY auth requires headerName and apiKey", i.ID)
		}
	case AuthBearer:
		if i.Auth.Token == "" {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: BEARER auth requires a token", i.ID)
		}
	case AuthBasic:
		if i.Auth.Username == "" {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: BASIC auth requires a username", i.ID)
		}
	case AuthOAuth2:
		if i.Auth.TokenURL == "" || i.Auth.ClientID == "" {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: OAUTH2 auth requires tokenUrl and clientId", i.ID)
		}
	default:
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s: unknown auth type %q", i.ID, i.AuthType)
	}
	for idx := range i.Actions {
		a := &i.Actions[idx]
		switch a.Kind {
		case ActionHTTP:
			if a.TargetURL == "" {
				return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s action %s: HTTP action requires targetUrl", i.ID, a.ID)
			}
		case ActionCommunication:
			if a.Channel == "" || a.Provider == "" {
				return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s action %s: COMMUNICATION action requires channel and provider", i.ID, a.ID)
			}
		default:
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s action %s: unknown kind %q", i.ID, a.ID, a.Kind)
		}
		if err := validateTransform(i.ID, "action "+a.ID, a.Request); err != nil {
			return err
		}
	}
	return nil
}

func validateTransform(id, which string, tc TransformConfig) error {
	switch tc.Mode {
	case "", TransformNone:
		return nil
	case TransformSimple:
		if len(tc.Mapping) == 0 && len(tc.Static) == 0 {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s %s transform: SIMPLE mode requires a mapping or static values", id, which)
		}
		return nil
	case TransformScript:
		if tc.Script == "" {
			return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s %s transform: SCRIPT mode requires a script", id, which)
		}
		return nil
	default:
		return fault.New(fault.Validation, "INVALID_CONFIG", "integration %s %s transform: unknown mode %q", id, which, tc.Mode)
	}
}

// UnmarshalConfig parses and validates a stored integration document.
func UnmarshalConfig(raw []byte) (*Integration, error) {
	var integ Integration
	if err := json.Unmarshal(raw, &integ); err != nil {
		return nil, fault.Wrap(fault.Validation, "INVALID_CONFIG", err, "malformed integration document")
	}
	if err := integ.Validate(); err != nil {
		return nil, err
	}
	return &integ, nil
}
