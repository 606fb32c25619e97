package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/logging"
)

// Message is a communication-channel send.
type Message struct {
	OrgID   string
	Channel string // email, sms
	Payload any
}

// Provider delivers to one (channel, provider) pair and returns the
// provider-assigned message id.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Registry resolves channel adapters keyed by (channel, provider).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func key(channel, provider string) string { return channel + "/" + provider }

// Register installs an adapter. Later registrations win, which keeps tests simple.
func (r *Registry) Register(channel, provider string, p Provider) {
	r.mu.Lock()
	r.providers[key(channel, provider)] = p
	r.mu.Unlock()
}

// Send dispatches through the registered adapter.
func (r *Registry) Send(ctx context.Context, channel, provider string, msg Message) (string, error) {
	r.mu.RLock()
	p, ok := r.providers[key(channel, provider)]
	r.mu.RUnlock()
	if !ok {
		return "", fault.New(fault.Validation, "UNKNOWN_PROVIDER", "no adapter registered for %s/%s", channel, provider)
	}
	return p.Send(ctx, msg)
}

// LogProvider is the development adapter: it logs the message and fabricates
// an id. Real provider adapters live behind the same interface.
type LogProvider struct {
	Channel string
	logger  *logging.Logger
}

func NewLogProvider(channel string) *LogProvider {
	return &LogProvider{Channel: channel, logger: logging.New("eventgate-" + channel)}
}

func (p *LogProvider) Send(ctx context.Context, msg Message) (string, error) {
	id := fmt.Sprintf("%s-%s", p.Channel, uuid.NewString())
	body, _ := json.Marshal(msg.Payload)
	p.logger.WithContext(ctx).WithOrg(msg.OrgID).WithFields(map[string]any{
		"message_id": id,
		"payload":    string(body),
	}).Info("communication message sent")
	return id, nil
}
