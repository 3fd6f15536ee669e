package pushsubscription

import "context"

// Repository stores browser push subscriptions. Endpoints are unique per
// browser registration, so the endpoint-keyed lookups exist alongside the
// id-keyed ones: re-subscribing replaces by endpoint, unsubscribing deletes
// by endpoint.
type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}
