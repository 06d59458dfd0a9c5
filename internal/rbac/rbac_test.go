package rbac

import "testing"

func TestAllowed(t *testing.T) {
	member := Subject{IsParticipant: true, Role: "member"}
	moderator := Subject{IsParticipant: true, Role: "moderator"}
	creator := Subject{IsParticipant: true, Role: "moderator", IsCreator: true}
	outsider := Subject{}
	platformAdmin := Subject{IsPlatformAdmin: true}

	cases := []struct {
		name    string
		policy  Policy
		action  Action
		subject Subject
		allow   bool
	}{
		{name: "member reply", policy: DefaultPolicy(), action: ActionReply, subject: member, allow: true},
		{name: "outsider reply", policy: DefaultPolicy(), action: ActionReply, subject: outsider, allow: false},
		{name: "member invite", policy: DefaultPolicy(), action: ActionInvite, subject: member, allow: false},
		{name: "moderator invite", policy: DefaultPolicy(), action: ActionInvite, subject: moderator, allow: true},
		{name: "member resolve", policy: DefaultPolicy(), action: ActionResolve, subject: member, allow: true},
		{name: "moderator-only reply blocks member", policy: Policy{ActionReply: LevelModerators}, action: ActionReply, subject: member, allow: false},
		{name: "admins level blocks moderator", policy: Policy{ActionArchive: LevelAdmins}, action: ActionArchive, subject: moderator, allow: false},
		{name: "admins level allows participant admin", policy: Policy{ActionArchive: LevelAdmins}, action: ActionArchive, subject: Subject{IsParticipant: true, Role: "admin"}, allow: true},
		{name: "creator level", policy: Policy{ActionPin: LevelCreator}, action: ActionPin, subject: creator, allow: true},
		{name: "creator level blocks moderator", policy: Policy{ActionPin: LevelCreator}, action: ActionPin, subject: moderator, allow: false},
		{name: "all level allows outsider", policy: Policy{ActionReply: LevelAll}, action: ActionReply, subject: outsider, allow: true},
		{name: "platform admin bypasses creator level", policy: Policy{ActionPin: LevelCreator}, action: ActionPin, subject: platformAdmin, allow: true},
		{name: "unknown level denies", policy: Policy{ActionPin: Level("owners")}, action: ActionPin, subject: creator, allow: false},
		{name: "missing action falls back to default", policy: Policy{}, action: ActionReply, subject: member, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(tc.policy, tc.action, tc.subject); got != tc.allow {
				t.Fatalf("Allowed(%v, %q, %+v) = %v, want %v", tc.policy, tc.action, tc.subject, got, tc.allow)
			}
		})
	}
}

func TestMergeDropsUnknownEntries(t *testing.T) {
	policy := Merge(map[string]string{
		"reply":   "moderators",
		"delete":  "all",
		"archive": "everyone",
	})
	if policy[ActionReply] != LevelModerators {
		t.Fatalf("reply override not applied: %v", policy)
	}
	if policy[ActionArchive] != LevelModerators {
		t.Fatalf("invalid archive level should keep default, got %q", policy[ActionArchive])
	}
	if _, ok := policy[Action("delete")]; ok {
		t.Fatal("unknown action should be dropped")
	}
	if len(policy.Map()) != len(Actions) {
		t.Fatalf("expected %d actions, got %d", len(Actions), len(policy.Map()))
	}
}
