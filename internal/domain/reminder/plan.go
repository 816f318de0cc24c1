package reminder

import (
	"sort"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/dosing"
)

// CommandKind distinguishes reconciliation commands.
type CommandKind string

const (
	CommandCreate CommandKind = "create"
	CommandCancel CommandKind = "cancel"
)

// Command is one reconciliation step. ScheduledAt is set for creates,
// ReminderID for cancels.
type Command struct {
	Kind        CommandKind
	ScheduledAt time.Time
	ReminderID  string
}

// Target returns the slots an order should have reminders for, sorted and
// de-duplicated. It reports false when the order is not schedulable.
func Target(o *medication.Order, loc *time.Location) ([]time.Time, bool) {
	if o == nil || !o.Schedulable() {
		return nil, false
	}

	seen := make(map[int64]bool)
	var slots []time.Time
	for _, day := range dosing.Days(*o.StartDate, *o.EndDate) {
		for _, clock := range o.DosingTimes {
			at, err := dosing.CombineDateTime(day, clock, loc)
			if err != nil {
				continue
			}
			at = at.UTC()
			if seen[at.Unix()] {
				continue
			}
			seen[at.Unix()] = true
			slots = append(slots, at)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots, true
}

// Plan computes the commands that bring existing instances in line with the
// order. Canceled instances in existing are ignored. Cancels come before creates.
//
// Only pending instances are ever canceled. Sent instances are delivery
// history: they are kept even when their slot leaves the target, and a sent
// instance covers its slot so it is never recreated. After reconciliation the
// pending and sent instances inside the target match it one per slot, while
// sent instances outside it remain as history.
//
// An order whose schedule cannot be derived keeps no pending reminders.
func Plan(o *medication.Order, existing []*Instance, loc *time.Location) []Command {
	live := make([]*Instance, 0, len(existing))
	for _, inst := range existing {
		if inst.Status != StatusCanceled {
			live = append(live, inst)
		}
	}

	switch o.Status {
	case medication.StatusCanceled:
		return cancelPending(live)
	case medication.StatusCompleted:
		return nil
	}

	target, ok := Target(o, loc)
	if !ok {
		return cancelPending(live)
	}
	want := make(map[int64]bool, len(target))
	for _, at := range target {
		want[at.Unix()] = true
	}

	// Oldest instance per slot survives; sent instances are kept in preference
	// to pending ones so a delivered dose is never re-sent.
	sort.SliceStable(live, func(i, j int) bool {
		if (live[i].Status == StatusSent) != (live[j].Status == StatusSent) {
			return live[i].Status == StatusSent
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	var cmds []Command
	have := make(map[int64]bool, len(live))
	for _, inst := range live {
		key := inst.ScheduledAt.UTC().Unix()
		if want[key] && !have[key] {
			have[key] = true
			continue
		}
		if inst.Status == StatusPending {
			cmds = append(cmds, Command{Kind: CommandCancel, ReminderID: inst.ID})
		}
	}
	for _, at := range target {
		if !have[at.Unix()] {
			cmds = append(cmds, Command{Kind: CommandCreate, ScheduledAt: at})
		}
	}
	return cmds
}

func cancelPending(live []*Instance) []Command {
	var cmds []Command
	for _, inst := range live {
		if inst.Status == StatusPending {
			cmds = append(cmds, Command{Kind: CommandCancel, ReminderID: inst.ID})
		}
	}
	return cmds
}
