package injector

import (
	"context"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// ProxyPoolClient fetches a fresh proxy from the external proxy pool
// service when the in-process cache for a (market, quality) bucket is
// empty. Implementations wrap whatever transport the deployment's proxy
// broker exposes; there is no stdlib HTTP implementation here because
// the wire format is operator-specific.
type ProxyPoolClient interface {
	FetchProxy(ctx context.Context, market string, quality domain.ProxyQuality) (domain.ProxyResource, error)
}

// CredentialPoolClient fetches a fresh credential from the external
// credential pool service when the in-process cache for a market is
// empty or exhausted.
type CredentialPoolClient interface {
	FetchCredential(ctx context.Context, market string) (domain.CredentialResource, error)
}

// NoProxyPool is a ProxyPoolClient that always reports unavailability,
// used when a deployment runs without a configured proxy pool backend.
type NoProxyPool struct{}

func (NoProxyPool) FetchProxy(context.Context, string, domain.ProxyQuality) (domain.ProxyResource, error) {
	return domain.ProxyResource{}, domain.ErrNotFound
}

// NoCredentialPool is a CredentialPoolClient that always reports
// unavailability.
type NoCredentialPool struct{}

func (NoCredentialPool) FetchCredential(context.Context, string) (domain.CredentialResource, error) {
	return domain.CredentialResource{}, domain.ErrNotFound
}
