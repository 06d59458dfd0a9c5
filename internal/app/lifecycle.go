package app

import (
	"threadline/api/internal/rbac"
	"threadline/api/internal/store"
)

type transition string

const (
	transitionResolve transition = "resolve"
	transitionReopen  transition = "reopen"
	transitionArchive transition = "archive"
	// transitionExpire is the inactivity sweep's path to archived.
	transitionExpire transition = "expire"
)

type transitionRule struct {
	from       store.ThreadStatus
	to         store.ThreadStatus
	action     rbac.Action
	systemOnly bool
	conflict   string
}

// transitions is the whole thread status machine. archived has no way out.
var transitions = map[transition]transitionRule{
	transitionResolve: {
		from:     store.ThreadActive,
		to:       store.ThreadResolved,
		action:   rbac.ActionResolve,
		conflict: "only an active thread can be resolved",
	},
	transitionReopen: {
		from:     store.ThreadResolved,
		to:       store.ThreadActive,
		action:   rbac.ActionResolve,
		conflict: "only a resolved thread can be reopened",
	},
	transitionArchive: {
		from:     store.ThreadResolved,
		to:       store.ThreadArchived,
		action:   rbac.ActionArchive,
		conflict: "only a resolved thread can be archived",
	},
	transitionExpire: {
		from:       store.ThreadActive,
		to:         store.ThreadArchived,
		systemOnly: true,
		conflict:   "only an active thread can expire",
	},
}

// authorizeTransition checks the actor against the rule's policy action.
func authorizeTransition(actor Actor, thread store.Thread, t transition) error {
	rule := transitions[t]
	if rule.systemOnly {
		if !actor.isSystem() {
			return forbiddenError("only the system can " + string(t) + " a thread")
		}
		return nil
	}
	return requirePermission(actor, thread, rule.action)
}

// applyTransition moves thread to the rule's target status or returns a
// CONFLICT naming the current status.
func applyTransition(thread *store.Thread, t transition) error {
	rule, ok := transitions[t]
	if !ok {
		return validationError("unknown transition", map[string]any{"transition": t})
	}
	if thread.Status != rule.from {
		return conflictError(rule.conflict, map[string]any{
			"status":     thread.Status,
			"transition": t,
		})
	}
	thread.Status = rule.to
	return nil
}

func ensureMutable(thread store.Thread) error {
	if thread.Status == store.ThreadArchived {
		return conflictError("thread is archived", map[string]any{"status": thread.Status})
	}
	return nil
}
