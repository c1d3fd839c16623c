package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
)

// Projection is the materialized current state rebuilt purely from events.
type Projection struct {
	Actions map[string]*domain.Action
	states  map[string]domain.State
}

func NewProjection() *Projection {
	return &Projection{Actions: map[string]*domain.Action{}, states: map[string]domain.State{}}
}

// State returns the projected state of an action.
func (p *Projection) State(id string) (domain.State, bool) {
	s, ok := p.states[id]
	return s, ok
}

// IDs returns projected action ids in sorted order.
func (p *Projection) IDs() []string {
	ids := make([]string, 0, len(p.states))
	for id := range p.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply folds one event into the projection. It returns an error describing
// an illegal move; the projection still advances so later events are judged
// against what the ledger claims.
func (p *Projection) Apply(ev domain.AuditEvent) error {
	if ev.EntityKind != "action" || ev.ActionID == "" {
		return nil
	}
	current, known := p.states[ev.ActionID]
	var problem error
	switch {
	case !known:
		if ev.Type != domain.TransitionSubmit {
			problem = fmt.Errorf("seq %d: first event for action %s is %s, want %s", ev.Seq, ev.ActionID, ev.Type, domain.TransitionSubmit)
		} else if ev.ToState != domain.StatePendingReview {
			problem = fmt.Errorf("seq %d: action %s created in %s", ev.Seq, ev.ActionID, ev.ToState)
		}
	case ev.Type == domain.TransitionSubmit:
		problem = fmt.Errorf("seq %d: action %s created twice", ev.Seq, ev.ActionID)
	case ev.ToState != "":
		if ev.FromState != current {
			problem = fmt.Errorf("seq %d: action %s moved from %s but ledger state is %s", ev.Seq, ev.ActionID, ev.FromState, current)
		} else if _, ok := domain.EdgeFor(ev.FromState, ev.ToState); !ok {
			problem = fmt.Errorf("seq %d: action %s took illegal edge %s -> %s", ev.Seq, ev.ActionID, ev.FromState, ev.ToState)
		} else if ev.ToState == domain.StateApplied && ev.After != nil && !ev.After.CanExecute {
			problem = fmt.Errorf("seq %d: informational action %s reached applied", ev.Seq, ev.ActionID)
		}
	case strings.HasPrefix(ev.Type, "dispatch."):
		if current != domain.StateApproved {
			problem = fmt.Errorf("seq %d: %s recorded for action %s in state %s", ev.Seq, ev.Type, ev.ActionID, current)
		}
	}
	if ev.ToState != "" {
		p.states[ev.ActionID] = ev.ToState
	} else if !known {
		p.states[ev.ActionID] = current
	}
	if ev.After != nil {
		snap := *ev.After
		p.Actions[ev.ActionID] = &snap
	}
	return problem
}

// Replay rebuilds the projection from the full ledger.
func (s Store) Replay(ctx context.Context) (*Projection, []domain.IntegrityProblem, error) {
	p := NewProjection()
	var problems []domain.IntegrityProblem
	err := s.each(ctx, func(se storedEvent) error {
		if err := p.Apply(se.Event); err != nil {
			problems = append(problems, domain.IntegrityProblem{Seq: se.Event.Seq, ActionID: se.Event.ActionID, Problem: err.Error()})
		}
		return nil
	})
	return p, problems, err
}

// Report is the outcome of Verify.
type Report struct {
	Valid          bool                      `json:"valid"`
	EventsChecked  int                       `json:"events_checked"`
	ActionsChecked int                       `json:"actions_checked"`
	HeadHash       string                    `json:"head_hash"`
	Problems       []domain.IntegrityProblem `json:"problems,omitempty"`
}

// Verify walks the chain, recomputes every hash, replays each action's
// history over legal edges and compares the result with stored state.
// Any mismatch is returned as *domain.IntegrityViolationError. Events and
// stored states are read from the same snapshot so concurrent transitions
// are never reported.
func (s Store) Verify(ctx context.Context) (Report, error) {
	rep := Report{HeadHash: Genesis}
	tx, err := s.Dialect.ReadSnapshot(ctx, s.DB)
	if err != nil {
		return rep, fmt.Errorf("begin verify snapshot: %w", err)
	}
	defer tx.Rollback()
	p := NewProjection()
	prev := Genesis
	err = s.eachIn(ctx, tx, func(se storedEvent) error {
		rep.EventsChecked++
		ev := se.Event
		if ev.PrevHash != prev {
			rep.Problems = append(rep.Problems, domain.IntegrityProblem{Seq: ev.Seq, ActionID: ev.ActionID,
				Problem: fmt.Sprintf("seq %d: chain broken, prev_hash does not match preceding event", ev.Seq)})
		}
		want, err := se.rec.digest()
		if err != nil {
			return err
		}
		if want != se.hash {
			rep.Problems = append(rep.Problems, domain.IntegrityProblem{Seq: ev.Seq, ActionID: ev.ActionID,
				Problem: fmt.Sprintf("seq %d: content hash mismatch", ev.Seq)})
		}
		prev = se.hash
		if err := p.Apply(ev); err != nil {
			rep.Problems = append(rep.Problems, domain.IntegrityProblem{Seq: ev.Seq, ActionID: ev.ActionID, Problem: err.Error()})
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	rep.HeadHash = prev

	stored, err := storedStates(ctx, tx)
	if err != nil {
		return rep, err
	}
	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rep.ActionsChecked++
		projected, ok := p.State(id)
		if !ok {
			rep.Problems = append(rep.Problems, domain.IntegrityProblem{ActionID: id,
				Problem: fmt.Sprintf("action %s has no ledger history", id)})
			continue
		}
		if projected != stored[id] {
			rep.Problems = append(rep.Problems, domain.IntegrityProblem{ActionID: id,
				Problem: fmt.Sprintf("action %s stored state %s, ledger replays to %s", id, stored[id], projected)})
		}
	}
	for _, id := range p.IDs() {
		if _, ok := stored[id]; !ok {
			rep.Problems = append(rep.Problems, domain.IntegrityProblem{ActionID: id,
				Problem: fmt.Sprintf("ledger references missing action %s", id)})
		}
	}
	rep.Valid = len(rep.Problems) == 0
	if !rep.Valid {
		return rep, &domain.IntegrityViolationError{Problems: rep.Problems}
	}
	return rep, nil
}

func storedStates(ctx context.Context, q db.Querier) (map[string]domain.State, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, state FROM actions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]domain.State{}
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, err
		}
		out[id] = domain.State(state)
	}
	return out, rows.Err()
}
