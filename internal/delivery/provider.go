package delivery

import (
	"context"

	"github.com/bissquit/sms-relay/internal/pkg/breaker"
)

// Provider sends messages to an external SMS/MMS provider.
type Provider interface {
	// Send submits one message and returns the provider's message id.
	// Errors should be *TransientError or *PermanentError.
	Send(ctx context.Context, recipient, content string, mediaURLs []string) (string, error)
	// Status looks up the delivery status of a previously sent message.
	Status(ctx context.Context, providerMessageID string) (ProviderStatus, error)
}

type guardedProvider struct {
	next    Provider
	breaker *breaker.Breaker
}

// GuardProvider wraps p so that every call goes through b.
// Calls rejected by an open breaker fail with breaker.ErrOpen.
func GuardProvider(p Provider, b *breaker.Breaker) Provider {
	return &guardedProvider{next: p, breaker: b}
}

func (g *guardedProvider) Send(ctx context.Context, recipient, content string, mediaURLs []string) (string, error) {
	var id string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.next.Send(ctx, recipient, content, mediaURLs)
		return err
	})
	return id, err
}

func (g *guardedProvider) Status(ctx context.Context, providerMessageID string) (ProviderStatus, error) {
	status := ProviderStatusUnknown
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		status, err = g.next.Status(ctx, providerMessageID)
		return err
	})
	if err != nil {
		return ProviderStatusUnknown, err
	}
	return status, nil
}
