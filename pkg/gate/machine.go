package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
)

// Mutation edits a copy of the period before it is written.
type Mutation func(p *Period) error

// Machine is the only writer of periods. Every write is a conditional
// update on the expected state and version, committed together with its
// audit entry.
type Machine struct {
	store  *Store
	logger *slog.Logger
}

func NewMachine(s *Store) *Machine {
	return &Machine{store: s, logger: slog.Default().With("component", "gate")}
}

// Store exposes the underlying period store for reads.
func (m *Machine) Store() *Store { return m.store }

// Fire applies ev to the period. mutate, if non-nil, runs on the new
// period before it is written. An invalid (state, event) pair leaves the
// period untouched and returns a *TransitionError.
func (m *Machine) Fire(ctx context.Context, key contracts.PeriodKey, ev Event, actor string, mutate Mutation, detail map[string]interface{}) (*Period, error) {
	prev, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	to, err := Next(prev.State, ev)
	if err != nil {
		m.logger.WarnContext(ctx, "rejected transition", "period", key.String(), "state", prev.State, "event", ev, "actor", actor)
		return nil, err
	}

	next := clonePeriod(prev)
	next.State = to
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.State = to
	next.Version = prev.Version + 1
	next.UpdatedAt = m.store.clock().UTC()

	payload := map[string]interface{}{"from": prev.State, "to": to, "event": ev}
	for k, v := range detail {
		payload[k] = v
	}
	rec := audit.Record{Actor: actor, Action: "gate." + string(ev), Target: key.String(), Payload: payload}
	if err := m.store.save(ctx, prev, next, rec); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "period transitioned", "period", key.String(), "from", prev.State, "to", to, "event", ev, "actor", actor)
	return next, nil
}

// Amend updates non-state fields without a transition, guarded the same
// way. It retries a few times when it loses a race, re-running mutate on
// the fresh copy. A FINALIZED period is never amended.
func (m *Machine) Amend(ctx context.Context, key contracts.PeriodKey, actor, action string, mutate Mutation, detail map[string]interface{}) (*Period, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		prev, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if prev.State == StateFinalized {
			return nil, fmt.Errorf("%w: %s", ErrFinalized, key)
		}
		next := clonePeriod(prev)
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.State = prev.State
		next.Version = prev.Version + 1
		next.UpdatedAt = m.store.clock().UTC()

		rec := audit.Record{Actor: actor, Action: action, Target: key.String(), Payload: detail}
		err = m.store.save(ctx, prev, next, rec)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func clonePeriod(p *Period) *Period {
	cp := *p
	cp.Reasons = append([]string(nil), p.Reasons...)
	cp.AnomalyVector = make(map[string]float64, len(p.AnomalyVector))
	for k, v := range p.AnomalyVector {
		cp.AnomalyVector[k] = v
	}
	if p.Thresholds.Anomaly != nil {
		cp.Thresholds.Anomaly = make(map[string]float64, len(p.Thresholds.Anomaly))
		for k, v := range p.Thresholds.Anomaly {
			cp.Thresholds.Anomaly[k] = v
		}
	}
	cp.RPT = append([]byte(nil), p.RPT...)
	return &cp
}
