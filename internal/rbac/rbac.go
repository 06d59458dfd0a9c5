package rbac

type Level string
type Action string

const (
	LevelAll          Level = "all"
	LevelParticipants Level = "participants"
	LevelModerators   Level = "moderators"
	LevelAdmins       Level = "admins"
	LevelCreator      Level = "creator"
)

const (
	ActionReply   Action = "reply"
	ActionInvite  Action = "invite"
	ActionEdit    Action = "edit"
	ActionResolve Action = "resolve"
	ActionArchive Action = "archive"
	ActionPin     Action = "pin"
)

var Actions = []Action{ActionReply, ActionInvite, ActionEdit, ActionResolve, ActionArchive, ActionPin}

// Subject is everything a level predicate may look at: the actor's standing
// inside one thread.
type Subject struct {
	IsParticipant   bool
	Role            string
	IsCreator       bool
	IsPlatformAdmin bool
}

type Policy map[Action]Level

var levelPredicates = map[Level]func(Subject) bool{
	LevelAll: func(Subject) bool { return true },
	LevelParticipants: func(s Subject) bool {
		return s.IsParticipant
	},
	LevelModerators: func(s Subject) bool {
		return s.IsParticipant && (s.Role == "moderator" || s.Role == "admin")
	},
	LevelAdmins: func(s Subject) bool {
		return s.IsParticipant && s.Role == "admin"
	},
	LevelCreator: func(s Subject) bool {
		return s.IsCreator
	},
}

func DefaultPolicy() Policy {
	return Policy{
		ActionReply:   LevelParticipants,
		ActionInvite:  LevelModerators,
		ActionEdit:    LevelModerators,
		ActionResolve: LevelParticipants,
		ActionArchive: LevelModerators,
		ActionPin:     LevelModerators,
	}
}

// Merge overlays stored per-thread overrides on the defaults. Unknown
// actions and levels are dropped.
func Merge(overrides map[string]string) Policy {
	policy := DefaultPolicy()
	for action, level := range overrides {
		if !ValidAction(Action(action)) || !ValidLevel(Level(level)) {
			continue
		}
		policy[Action(action)] = Level(level)
	}
	return policy
}

func (p Policy) Map() map[string]string {
	out := make(map[string]string, len(p))
	for action, level := range p {
		out[string(action)] = string(level)
	}
	return out
}

func Allowed(policy Policy, action Action, subject Subject) bool {
	if subject.IsPlatformAdmin {
		return true
	}
	level, ok := policy[action]
	if !ok {
		level = DefaultPolicy()[action]
	}
	predicate, ok := levelPredicates[level]
	if !ok {
		return false
	}
	return predicate(subject)
}

func ValidLevel(level Level) bool {
	_, ok := levelPredicates[level]
	return ok
}

func ValidAction(action Action) bool {
	for _, candidate := range Actions {
		if candidate == action {
			return true
		}
	}
	return false
}
