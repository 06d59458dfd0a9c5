package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
	"threadline/api/internal/store"
)

// Skip reasons reported by AddParticipants and HandleMention.
const (
	ReasonAlreadyParticipant = "already_participant"
	ReasonNoPermission       = "no_permission"
	ReasonInvalidUser        = "invalid_user"
	ReasonLookupFailed       = "lookup_failed"
	ReasonThreadClosed       = "thread_closed"
)

var validRoles = map[store.ParticipantRole]struct{}{
	store.RoleCustomer:  {},
	store.RolePrinter:   {},
	store.RoleAdmin:     {},
	store.RoleMember:    {},
	store.RoleModerator: {},
}

type SkippedParticipant struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// AddParticipantsResult is partial success: skipped users never fail the call.
type AddParticipantsResult struct {
	Added   []string             `json:"added"`
	Skipped []SkippedParticipant `json:"skipped"`
}

type MentionResult struct {
	UserID string `json:"userId"`
	Added  bool   `json:"added"`
	Reason string `json:"reason,omitempty"`
}

// StakeholderResolver lists the users entitled to an event.
type StakeholderResolver interface {
	Stakeholders(ctx context.Context, referenceID string, referenceType store.ReferenceType) ([]string, error)
}

type storeStakeholders struct {
	store Store
}

// Stakeholders resolves orders and designs; products and unbound threads have
// none.
func (r storeStakeholders) Stakeholders(ctx context.Context, referenceID string, referenceType store.ReferenceType) ([]string, error) {
	switch referenceType {
	case store.ReferenceOrder, store.ReferenceDesign:
	default:
		return nil, nil
	}
	items, err := r.store.FindStakeholders(ctx, referenceID, referenceType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.UserID)
	}
	return ids, nil
}

type ParticipantService struct {
	store        Store
	stakeholders StakeholderResolver
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewParticipantService(st Store, resolver StakeholderResolver, logger *zap.Logger, m *metrics.Metrics) *ParticipantService {
	if resolver == nil {
		resolver = storeStakeholders{store: st}
	}
	return &ParticipantService{
		store:        st,
		stakeholders: resolver,
		logger:       logging.OrNop(logger).Named("participants"),
		metrics:      m,
		now:          time.Now,
	}
}

// AddParticipants adds each user it can and reports the rest as skipped.
// A previously hidden participant is made visible again.
func (s *ParticipantService) AddParticipants(ctx context.Context, threadID string, userIDs []string, role store.ParticipantRole, addedBy string) (AddParticipantsResult, error) {
	result := AddParticipantsResult{Added: []string{}, Skipped: []SkippedParticipant{}}
	if role == "" {
		role = store.RoleMember
	}
	if _, ok := validRoles[role]; !ok {
		return result, validationError("invalid participant role", map[string]any{"role": role})
	}

	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return result, notFoundOr(err, "thread")
	}
	if err := ensureMutable(thread); err != nil {
		return result, err
	}

	seen := map[string]bool{}
	for _, raw := range userIDs {
		userID := strings.TrimSpace(raw)
		if seen[userID] {
			continue
		}
		seen[userID] = true

		reason, err := s.addOne(ctx, &thread, userID, role, addedBy)
		if err != nil {
			s.logger.Warn("participant_add_failed",
				zap.String("thread_id", threadID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			reason = ReasonLookupFailed
		}
		if reason != "" {
			result.Skipped = append(result.Skipped, SkippedParticipant{UserID: userID, Reason: reason})
			continue
		}
		result.Added = append(result.Added, userID)
	}

	if len(result.Added) > 0 {
		if err := s.save(ctx, &thread); err != nil {
			return AddParticipantsResult{Added: []string{}, Skipped: []SkippedParticipant{}}, err
		}
		s.logger.Info("participants_added",
			zap.String("thread_id", threadID),
			zap.Strings("added", result.Added),
			zap.Int("skipped", len(result.Skipped)),
		)
	}
	return result, nil
}

// AddParticipant is the strict single-user form: a duplicate is a conflict
// and a user without event access is forbidden.
func (s *ParticipantService) AddParticipant(ctx context.Context, threadID, userID string, role store.ParticipantRole, addedBy string) (store.Thread, error) {
	if role == "" {
		role = store.RoleMember
	}
	if _, ok := validRoles[role]; !ok {
		return store.Thread{}, validationError("invalid participant role", map[string]any{"role": role})
	}
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}

	reason, err := s.addOne(ctx, &thread, strings.TrimSpace(userID), role, addedBy)
	if err != nil {
		return store.Thread{}, err
	}
	switch reason {
	case "":
	case ReasonAlreadyParticipant:
		return store.Thread{}, conflictError("user is already a participant", map[string]any{"userId": userID})
	case ReasonNoPermission:
		return store.Thread{}, forbiddenError("user has no access to this thread's event")
	default:
		return store.Thread{}, validationError("invalid participant", map[string]any{"userId": userID, "reason": reason})
	}
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

// addOne mutates thread in memory. A non-empty reason means the user was not
// added.
func (s *ParticipantService) addOne(ctx context.Context, thread *store.Thread, userID string, role store.ParticipantRole, addedBy string) (string, error) {
	if userID == "" {
		return ReasonInvalidUser, nil
	}
	for i, p := range thread.Participants {
		if p.UserID != userID {
			continue
		}
		if p.IsVisible {
			return ReasonAlreadyParticipant, nil
		}
		thread.Participants[i].IsVisible = true
		thread.Participants[i].JoinedAt = s.now().UTC()
		thread.Participants[i].AddedBy = addedBy
		return "", nil
	}

	allowed, err := s.store.CheckEventAccess(ctx, userID, thread.Context.ReferenceID, thread.Context.ReferenceType)
	if err != nil {
		return "", fmt.Errorf("check event access: %w", err)
	}
	if !allowed {
		return ReasonNoPermission, nil
	}
	thread.Participants = append(thread.Participants, store.Participant{
		UserID:    userID,
		Role:      role,
		IsVisible: true,
		JoinedAt:  s.now().UTC(),
		AddedBy:   addedBy,
	})
	return "", nil
}

// RemoveParticipant hard-removes a participant. The creator cannot be removed.
func (s *ParticipantService) RemoveParticipant(ctx context.Context, threadID, userID string) (store.Thread, error) {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	if userID == thread.CreatedBy {
		return store.Thread{}, conflictError("the thread creator cannot be removed", nil)
	}
	idx := participantIndex(thread, userID)
	if idx < 0 {
		return store.Thread{}, conflictError("user is not a participant", map[string]any{"userId": userID})
	}
	thread.Participants = append(thread.Participants[:idx], thread.Participants[idx+1:]...)
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	s.logger.Info("participant_removed", zap.String("thread_id", threadID), zap.String("user_id", userID))
	return thread, nil
}

// HideParticipant is self-leave: the entry stays, hidden.
func (s *ParticipantService) HideParticipant(ctx context.Context, threadID, userID string) (store.Thread, error) {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	if userID == thread.CreatedBy {
		return store.Thread{}, conflictError("the thread creator cannot leave the thread", nil)
	}
	idx := participantIndex(thread, userID)
	if idx < 0 || !thread.Participants[idx].IsVisible {
		return store.Thread{}, conflictError("user is not a participant", map[string]any{"userId": userID})
	}
	thread.Participants[idx].IsVisible = false
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

func (s *ParticipantService) UpdateRole(ctx context.Context, threadID, userID string, role store.ParticipantRole) (store.Thread, error) {
	if _, ok := validRoles[role]; !ok {
		return store.Thread{}, validationError("invalid participant role", map[string]any{"role": role})
	}
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	if userID == thread.CreatedBy {
		return store.Thread{}, conflictError("the thread creator keeps the moderator role", nil)
	}
	idx := participantIndex(thread, userID)
	if idx < 0 {
		return store.Thread{}, notFoundError("participant not found")
	}
	if thread.Participants[idx].Role == role {
		return thread, nil
	}
	thread.Participants[idx].Role = role
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

// AutoAddStakeholders adds the event's stakeholders as members.
func (s *ParticipantService) AutoAddStakeholders(ctx context.Context, threadID, referenceID string, referenceType store.ReferenceType, addedBy string) (AddParticipantsResult, error) {
	userIDs, err := s.stakeholders.Stakeholders(ctx, referenceID, referenceType)
	if err != nil {
		return AddParticipantsResult{}, fmt.Errorf("resolve stakeholders: %w", err)
	}
	if len(userIDs) == 0 {
		return AddParticipantsResult{Added: []string{}, Skipped: []SkippedParticipant{}}, nil
	}
	return s.AddParticipants(ctx, threadID, userIDs, store.RoleMember, addedBy)
}

// HandleMention adds a mentioned user as a member when they have access to
// the thread's event. Existing participants and users without access are
// reported, not rejected.
func (s *ParticipantService) HandleMention(ctx context.Context, threadID, mentionedUserID, mentionedBy string) (MentionResult, error) {
	result := MentionResult{UserID: mentionedUserID}
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return result, notFoundOr(err, "thread")
	}
	if _, ok := thread.Participant(mentionedUserID); ok {
		result.Reason = ReasonAlreadyParticipant
		s.metrics.Mention(result.Reason)
		return result, nil
	}
	if thread.Status == store.ThreadArchived {
		result.Reason = ReasonThreadClosed
		s.metrics.Mention(result.Reason)
		return result, nil
	}

	reason, err := s.addOne(ctx, &thread, mentionedUserID, store.RoleMember, mentionedBy)
	if err != nil {
		return result, err
	}
	if reason != "" {
		result.Reason = reason
		s.metrics.Mention(reason)
		s.logger.Debug("mention_not_added",
			zap.String("thread_id", threadID),
			zap.String("user_id", mentionedUserID),
			zap.String("reason", reason),
		)
		return result, nil
	}
	if err := s.save(ctx, &thread); err != nil {
		return result, err
	}
	result.Added = true
	s.metrics.Mention("added")
	s.logger.Info("mention_added_participant", zap.String("thread_id", threadID), zap.String("user_id", mentionedUserID))
	return result, nil
}

// save recomputes participantCount before writing.
func (s *ParticipantService) save(ctx context.Context, thread *store.Thread) error {
	thread.Stats.ParticipantCount = len(thread.VisibleParticipants())
	thread.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateThread(ctx, *thread); err != nil {
		return saveError(err)
	}
	thread.Revision++
	return nil
}

func participantIndex(thread store.Thread, userID string) int {
	for i, p := range thread.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}
