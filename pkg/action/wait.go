package action

import (
	"context"
	"fmt"

	"github.com/corralhq/corral/pkg/types"
)

// WaitForDependents blocks the parent action until every child it depends
// on reaches a terminal status, the parent times out, or a CANCEL signal
// arrives. While blocked the parent yields its worker slot so the pool
// can execute the children it is waiting for.
func (m *Manager) WaitForDependents(ctx context.Context, parent *types.Action) (types.Result, string) {
	if m.slots == nil {
		return m.waitDependents(ctx, parent)
	}

	m.slots.Yield()
	res, reason := m.waitDependents(ctx, parent)
	if err := m.slots.Reclaim(ctx); err != nil {
		return types.ResultCancel, "wait interrupted"
	}
	return res, reason
}

func (m *Manager) waitDependents(ctx context.Context, parent *types.Action) (types.Result, string) {
	for {
		if m.IsCancelled(parent.ID) {
			return types.ResultCancel, fmt.Sprintf("%s cancelled while waiting for derived actions", parent.Verb)
		}
		if parent.TimedOut(m.clock.Now()) {
			return types.ResultTimeout, fmt.Sprintf("%s timed out waiting for derived actions", parent.Verb)
		}

		children, err := m.store.GetDepended(parent.ID)
		if err != nil {
			return types.ResultError, err.Error()
		}

		allDone := true
		var firstFailed *types.Action
		for _, id := range children {
			child, err := m.store.GetAction(id)
			if err != nil {
				return types.ResultError, err.Error()
			}
			if !child.Status.Terminal() {
				allDone = false
				break
			}
			if child.Status != types.ActionSucceeded && firstFailed == nil {
				firstFailed = child
			}
		}

		if allDone {
			if firstFailed != nil {
				return types.ResultError, fmt.Sprintf("derived action %s %s: %s",
					firstFailed.ID, firstFailed.Status, firstFailed.StatusReason)
			}
			return types.ResultOK, ""
		}

		if err := m.clock.Sleep(ctx, m.WaitInterval); err != nil {
			return types.ResultCancel, "wait interrupted"
		}
	}
}
