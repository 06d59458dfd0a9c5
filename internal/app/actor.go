package app

import (
	"threadline/api/internal/rbac"
	"threadline/api/internal/store"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID      string
	Username    string
	DisplayName string
	Role        string
}

// SystemActor performs scheduled transitions.
var SystemActor = Actor{UserID: store.SenderSystem, Username: store.SenderSystem, Role: store.SenderSystem}

func (a Actor) IsAdmin() bool {
	return a.Role == string(store.RoleAdmin)
}

func (a Actor) isSystem() bool {
	return a.UserID == SystemActor.UserID && a.Role == SystemActor.Role
}

func subjectFor(actor Actor, thread store.Thread) rbac.Subject {
	subject := rbac.Subject{
		IsCreator:       thread.CreatedBy == actor.UserID,
		IsPlatformAdmin: actor.IsAdmin() || actor.isSystem(),
	}
	if p, ok := thread.Participant(actor.UserID); ok && p.IsVisible {
		subject.IsParticipant = true
		subject.Role = string(p.Role)
	}
	return subject
}

func requirePermission(actor Actor, thread store.Thread, action rbac.Action) error {
	if rbac.Allowed(rbac.Merge(thread.Permissions), action, subjectFor(actor, thread)) {
		return nil
	}
	return forbiddenError("not allowed to " + string(action) + " in this thread")
}

// requireViewer admits visible participants and platform admins.
func requireViewer(actor Actor, thread store.Thread) error {
	if thread.IsVisibleParticipant(actor.UserID) || actor.IsAdmin() || actor.isSystem() {
		return nil
	}
	return forbiddenError("not a participant of this thread")
}
