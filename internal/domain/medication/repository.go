package medication

import (
	"context"
	"time"
)

// Repository persists medication orders. Save writes the order and its pending
// events atomically, then clears the events. Updates are optimistic: saving an
// order whose Version no longer matches the stored one fails with ErrConflict.
type Repository interface {
	Save(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByPrescription(ctx context.Context, prescriptionID string) ([]*Order, error)
	ListActiveEndingBefore(ctx context.Context, date time.Time, limit int) ([]*Order, error)
}
