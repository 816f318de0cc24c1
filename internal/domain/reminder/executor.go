package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/medication"
)

// ErrPartialMaterialization is wrapped by MaterializeError.
var ErrPartialMaterialization = errors.New("reminder materialization partially applied")

// MaterializeError reports where command execution stopped. Re-running the
// reconciliation converges from any partial state.
type MaterializeError struct {
	OrderID   string
	Applied   int
	Remaining int
	Err       error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("materialize reminders for %s: %d applied, %d remaining: %v",
		e.OrderID, e.Applied, e.Remaining, e.Err)
}

// Unwrap exposes both the sentinel and the store error to errors.Is.
func (e *MaterializeError) Unwrap() []error {
	return []error{ErrPartialMaterialization, e.Err}
}

// Executor applies reconciliation commands to a store.
type Executor struct {
	store Store
	now   func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(store Store, now func() time.Time) *Executor {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{store: store, now: now}
}

// Execute applies cmds in order and stops at the first failure.
func (x *Executor) Execute(ctx context.Context, o *medication.Order, cmds []Command) (created, canceled int, err error) {
	for i, cmd := range cmds {
		switch cmd.Kind {
		case CommandCancel:
			err = x.store.Cancel(ctx, cmd.ReminderID, x.now())
			if err == nil {
				canceled++
			}
		case CommandCreate:
			err = x.store.Create(ctx, NewInstance(o.ID, o.PrescriptionID, o.Name, cmd.ScheduledAt, x.now()))
			if err == nil {
				created++
			}
		default:
			err = fmt.Errorf("unknown command kind %q", cmd.Kind)
		}
		if err != nil {
			return created, canceled, &MaterializeError{
				OrderID:   o.ID,
				Applied:   i,
				Remaining: len(cmds) - i,
				Err:       err,
			}
		}
	}
	return created, canceled, nil
}
