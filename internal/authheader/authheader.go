package authheader

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
)

// Builder resolves an integration's auth scheme into outbound headers.
// OAuth2 token sources are cached per integration id; Invalidate drops one
// integration's cache entry after credential rotation without touching the
// others.
type Builder struct {
	mu     sync.RWMutex
	tokens map[string]oauth2.TokenSource
}

func New() *Builder {
	return &Builder{tokens: make(map[string]oauth2.TokenSource)}
}

// Build returns the outbound headers for the integration's auth scheme.
func (b *Builder) Build(ctx context.Context, integ *integration.Integration) (http.Header, error) {
	h := http.Header{}
	switch integ.AuthType {
	case "", integration.AuthNone:
		return h, nil
	case integration.AuthAPIKey:
		h.Set(integ.Auth.HeaderName, integ.Auth.APIKey)
		return h, nil
	case integration.AuthBearer:
		h.Set("Authorization", "Bearer "+integ.Auth.Token)
		return h, nil
	case integration.AuthBasic:
		req := http.Request{Header: http.Header{}}
		req.SetBasicAuth(integ.Auth.Username, integ.Auth.Password)
		h.Set("Authorization", req.Header.Get("Authorization"))
		return h, nil
	case integration.AuthOAuth2:
		tok, err := b.token(ctx, integ)
		if err != nil {
			return nil, fault.Wrap(fault.Authentication, "OAUTH2_TOKEN_FETCH", err, "token fetch for integration %s failed", integ.ID)
		}
		h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
		return h, nil
	case integration.AuthCustom:
		for k, v := range integ.Auth.Headers {
			h.Set(k, v)
		}
		return h, nil
	default:
		return nil, fault.New(fault.Authentication, "UNKNOWN_AUTH_TYPE", "unknown auth type %q", integ.AuthType)
	}
}

// token returns a valid OAuth2 token, creating and caching the token source
// on first use. oauth2.ReuseTokenSource refreshes expired tokens under its
// own lock, so concurrent reads are safe.
func (b *Builder) token(ctx context.Context, integ *integration.Integration) (*oauth2.Token, error) {
	b.mu.RLock()
	src, ok := b.tokens[integ.ID]
	b.mu.RUnlock()

	if !ok {
		cc := &clientcredentials.Config{
			ClientID:     integ.Auth.ClientID,
			ClientSecret: integ.Auth.ClientSecret,
			TokenURL:     integ.Auth.TokenURL,
			Scopes:       integ.Auth.Scopes,
		}
		b.mu.Lock()
		// Another goroutine may have raced us here; keep the winner.
		if existing, ok := b.tokens[integ.ID]; ok {
			src = existing
		} else {
			src = cc.TokenSource(context.Background())
			b.tokens[integ.ID] = src
		}
		b.mu.Unlock()
	}

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok, err}
	}()
	select {
	case r := <-done:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached token source for one integration.
func (b *Builder) Invalidate(integrationID string) {
	b.mu.Lock()
	delete(b.tokens, integrationID)
	b.mu.Unlock()
}
