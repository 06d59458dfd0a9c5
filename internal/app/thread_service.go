package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/archive"
	"threadline/api/internal/events"
	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
	"threadline/api/internal/rbac"
	"threadline/api/internal/store"
	"threadline/api/internal/util"
)

const DefaultAutoArchiveAfterDays = 7

var validThreadTypes = map[store.ThreadType]struct{}{
	store.ThreadTypeGeneral: {},
	store.ThreadTypeOrder:   {},
	store.ThreadTypeDesign:  {},
	store.ThreadTypeProduct: {},
	store.ThreadTypeSupport: {},
}

var validReferenceTypes = map[store.ReferenceType]struct{}{
	store.ReferenceOrder:   {},
	store.ReferenceDesign:  {},
	store.ReferenceProduct: {},
	store.ReferenceNone:    {},
}

var validPriorities = map[store.Priority]struct{}{
	store.PriorityLow:    {},
	store.PriorityNormal: {},
	store.PriorityHigh:   {},
	store.PriorityUrgent: {},
}

type ParticipantInput struct {
	UserID string                `json:"userId"`
	Role   store.ParticipantRole `json:"role"`
}

type CreateThreadInput struct {
	Type                 store.ThreadType    `json:"type"`
	Title                string              `json:"title"`
	Description          string              `json:"description"`
	Context              store.ThreadContext `json:"context"`
	Priority             store.Priority      `json:"priority"`
	Permissions          map[string]string   `json:"permissions"`
	Tags                 []string            `json:"tags"`
	TemplateID           string              `json:"templateId"`
	AutoArchiveAfterDays int                 `json:"autoArchiveAfterDays"`
	Participants         []ParticipantInput  `json:"participants"`
}

type UpdateThreadInput struct {
	Title                *string           `json:"title"`
	Description          *string           `json:"description"`
	Priority             *store.Priority   `json:"priority"`
	Tags                 []string          `json:"tags"`
	Permissions          map[string]string `json:"permissions"`
	AutoArchiveAfterDays *int              `json:"autoArchiveAfterDays"`
}

type ThreadServiceOptions struct {
	AutoArchiveAfterDays int
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
}

// ThreadService owns thread lifecycle and permission checks.
type ThreadService struct {
	store        Store
	participants *ParticipantService
	events       events.Publisher
	archiveDays  int
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewThreadService(st Store, participants *ParticipantService, publisher events.Publisher, opts ThreadServiceOptions) *ThreadService {
	if opts.AutoArchiveAfterDays <= 0 {
		opts.AutoArchiveAfterDays = DefaultAutoArchiveAfterDays
	}
	return &ThreadService{
		store:        st,
		participants: participants,
		events:       publisher,
		archiveDays:  opts.AutoArchiveAfterDays,
		logger:       logging.OrNop(opts.Logger).Named("threads"),
		metrics:      opts.Metrics,
		now:          time.Now,
	}
}

func (s *ThreadService) CreateThread(ctx context.Context, actor Actor, input CreateThreadInput) (store.Thread, error) {
	if strings.TrimSpace(input.TemplateID) != "" {
		template, err := s.store.FindTemplateByID(ctx, strings.TrimSpace(input.TemplateID))
		if err != nil {
			return store.Thread{}, notFoundOr(err, "template")
		}
		input = applyTemplate(input, template)
	}

	thread, err := s.buildThread(actor, input)
	if err != nil {
		return store.Thread{}, err
	}

	if !actor.IsAdmin() {
		allowed, err := s.store.CheckEventAccess(ctx, actor.UserID, thread.Context.ReferenceID, thread.Context.ReferenceType)
		if err != nil {
			return store.Thread{}, fmt.Errorf("check event access: %w", err)
		}
		if !allowed {
			return store.Thread{}, forbiddenError("no access to the referenced event")
		}
	}

	if err := s.store.CreateThread(ctx, thread); err != nil {
		return store.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	s.logger.Info("thread_created",
		zap.String("thread_id", thread.ID),
		zap.String("reference_type", string(thread.Context.ReferenceType)),
		zap.String("reference_id", thread.Context.ReferenceID),
		zap.String("created_by", actor.UserID),
	)

	byRole := map[store.ParticipantRole][]string{}
	roles := make([]store.ParticipantRole, 0)
	for _, p := range input.Participants {
		role := p.Role
		if role == "" {
			role = store.RoleMember
		}
		if _, ok := byRole[role]; !ok {
			roles = append(roles, role)
		}
		byRole[role] = append(byRole[role], p.UserID)
	}
	for _, role := range roles {
		result, err := s.participants.AddParticipants(ctx, thread.ID, byRole[role], role, actor.UserID)
		if err != nil {
			s.logger.Warn("thread_initial_participants_failed", zap.String("thread_id", thread.ID), zap.Error(err))
			continue
		}
		if len(result.Skipped) > 0 {
			s.logger.Info("thread_initial_participants_skipped", zap.String("thread_id", thread.ID), zap.Any("skipped", result.Skipped))
		}
	}
	if _, err := s.participants.AutoAddStakeholders(ctx, thread.ID, thread.Context.ReferenceID, thread.Context.ReferenceType, actor.UserID); err != nil {
		s.logger.Warn("thread_stakeholders_failed", zap.String("thread_id", thread.ID), zap.Error(err))
	}

	created, err := s.store.FindThreadByID(ctx, thread.ID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	return created, nil
}

func applyTemplate(input CreateThreadInput, template store.ThreadTemplate) CreateThreadInput {
	if input.Type == "" {
		input.Type = template.Type
	}
	if strings.TrimSpace(input.Title) == "" {
		input.Title = template.Title
	}
	if strings.TrimSpace(input.Description) == "" {
		input.Description = template.Description
	}
	if input.Priority == "" {
		input.Priority = template.Priority
	}
	if input.AutoArchiveAfterDays == 0 {
		input.AutoArchiveAfterDays = template.AutoArchiveAfterDays
	}
	permissions := map[string]string{}
	for k, v := range template.Permissions {
		permissions[k] = v
	}
	for k, v := range input.Permissions {
		permissions[k] = v
	}
	input.Permissions = permissions
	tags := slices.Clone(template.Tags)
	for _, tag := range input.Tags {
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	input.Tags = tags
	input.TemplateID = template.ID
	return input
}

func (s *ThreadService) buildThread(actor Actor, input CreateThreadInput) (store.Thread, error) {
	problems := map[string]string{}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		problems["title"] = "title is required"
	}
	ctxRef := input.Context
	ctxRef.ReferenceID = strings.TrimSpace(ctxRef.ReferenceID)
	if ctxRef.ReferenceType == "" {
		ctxRef.ReferenceType = store.ReferenceNone
	}
	if _, ok := validReferenceTypes[ctxRef.ReferenceType]; !ok {
		problems["context.referenceType"] = "unknown reference type"
	} else if ctxRef.ReferenceType != store.ReferenceNone && ctxRef.ReferenceID == "" {
		problems["context.referenceId"] = "referenceId is required"
	}
	threadType := input.Type
	if threadType == "" {
		threadType = store.ThreadTypeGeneral
	}
	if _, ok := validThreadTypes[threadType]; !ok {
		problems["type"] = "unknown thread type"
	}
	priority := input.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	if _, ok := validPriorities[priority]; !ok {
		problems["priority"] = "unknown priority"
	}
	if input.AutoArchiveAfterDays < 0 {
		problems["autoArchiveAfterDays"] = "must not be negative"
	}
	if msg := validatePermissions(input.Permissions); msg != "" {
		problems["permissions"] = msg
	}
	if strings.TrimSpace(actor.UserID) == "" {
		problems["actor"] = "actor is required"
	}
	if len(problems) > 0 {
		return store.Thread{}, validationError("invalid thread", problems)
	}

	archiveDays := input.AutoArchiveAfterDays
	if archiveDays == 0 {
		archiveDays = s.archiveDays
	}
	now := s.now().UTC()
	thread := store.Thread{
		ID:          util.NewID("thr"),
		Type:        threadType,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Context:     ctxRef,
		Participants: []store.Participant{{
			UserID:    actor.UserID,
			Role:      store.RoleModerator,
			IsVisible: true,
			JoinedAt:  now,
			AddedBy:   actor.UserID,
		}},
		CreatedBy:            actor.UserID,
		Status:               store.ThreadActive,
		Priority:             priority,
		Permissions:          rbac.Merge(input.Permissions).Map(),
		Stats:                store.ThreadStats{ParticipantCount: 1, LastActivityAt: now},
		Tags:                 normalizeTags(input.Tags),
		TemplateID:           input.TemplateID,
		AutoArchiveAfterDays: archiveDays,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	return thread, nil
}

func validatePermissions(permissions map[string]string) string {
	for action, level := range permissions {
		if !rbac.ValidAction(rbac.Action(action)) {
			return "unknown action " + action
		}
		if !rbac.ValidLevel(rbac.Level(level)) {
			return "unknown level " + level + " for " + action
		}
	}
	return ""
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	return out
}

func (s *ThreadService) GetThread(ctx context.Context, actor Actor, threadID string) (store.Thread, error) {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	if err := requireViewer(actor, thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

// ListThreads lists the actor's threads, pinned first.
func (s *ThreadService) ListThreads(ctx context.Context, actor Actor, status store.ThreadStatus, page store.Page) ([]store.Thread, int, error) {
	if status != "" && status != store.ThreadActive && status != store.ThreadResolved && status != store.ThreadArchived {
		return nil, 0, validationError("unknown thread status", map[string]any{"status": status})
	}
	items, err := s.store.FindThreadsByParticipant(ctx, actor.UserID, status, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}
	total, err := s.store.CountThreads(ctx, store.ThreadQuery{ParticipantID: actor.UserID, Status: status})
	if err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}
	return items, total, nil
}

// ListThreadsByEvent is gated on event access rather than participation.
func (s *ThreadService) ListThreadsByEvent(ctx context.Context, actor Actor, referenceID string, referenceType store.ReferenceType, page store.Page) ([]store.Thread, int, error) {
	if _, ok := validReferenceTypes[referenceType]; !ok {
		return nil, 0, validationError("unknown reference type", map[string]any{"referenceType": referenceType})
	}
	if !actor.IsAdmin() {
		allowed, err := s.store.CheckEventAccess(ctx, actor.UserID, referenceID, referenceType)
		if err != nil {
			return nil, 0, fmt.Errorf("check event access: %w", err)
		}
		if !allowed {
			return nil, 0, forbiddenError("no access to the referenced event")
		}
	}
	items, err := s.store.FindThreadsByEvent(ctx, referenceID, referenceType, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}
	total, err := s.store.CountThreads(ctx, store.ThreadQuery{ReferenceID: referenceID, ReferenceType: referenceType})
	if err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}
	return items, total, nil
}

func (s *ThreadService) UpdateThread(ctx context.Context, actor Actor, threadID string, input UpdateThreadInput) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := requirePermission(actor, thread, rbac.ActionEdit); err != nil {
		return store.Thread{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}

	problems := map[string]string{}
	if input.Title != nil {
		if title := strings.TrimSpace(*input.Title); title == "" {
			problems["title"] = "title is required"
		} else {
			thread.Title = title
		}
	}
	if input.Description != nil {
		thread.Description = strings.TrimSpace(*input.Description)
	}
	if input.Priority != nil {
		if _, ok := validPriorities[*input.Priority]; !ok {
			problems["priority"] = "unknown priority"
		} else {
			thread.Priority = *input.Priority
		}
	}
	if input.Tags != nil {
		thread.Tags = normalizeTags(input.Tags)
	}
	if input.Permissions != nil {
		if msg := validatePermissions(input.Permissions); msg != "" {
			problems["permissions"] = msg
		} else {
			merged := rbac.Merge(thread.Permissions)
			for action, level := range input.Permissions {
				merged[rbac.Action(action)] = rbac.Level(level)
			}
			thread.Permissions = merged.Map()
		}
	}
	if input.AutoArchiveAfterDays != nil {
		if *input.AutoArchiveAfterDays <= 0 {
			problems["autoArchiveAfterDays"] = "must be positive"
		} else {
			thread.AutoArchiveAfterDays = *input.AutoArchiveAfterDays
		}
	}
	if len(problems) > 0 {
		return store.Thread{}, validationError("invalid thread update", problems)
	}

	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

func (s *ThreadService) ResolveThread(ctx context.Context, actor Actor, threadID, notes string) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := authorizeTransition(actor, thread, transitionResolve); err != nil {
		return store.Thread{}, err
	}
	if err := applyTransition(&thread, transitionResolve); err != nil {
		return store.Thread{}, err
	}
	now := s.now().UTC()
	thread.ResolvedAt = &now
	thread.ResolvedBy = actor.UserID
	thread.ResolutionNotes = strings.TrimSpace(notes)
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	s.logger.Info("thread_resolved", zap.String("thread_id", thread.ID), zap.String("resolved_by", actor.UserID))
	publish(ctx, s.events, s.logger, events.New(events.ThreadResolved, thread.ID, "", actor.UserID))
	return thread, nil
}

func (s *ThreadService) ReopenThread(ctx context.Context, actor Actor, threadID string) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := authorizeTransition(actor, thread, transitionReopen); err != nil {
		return store.Thread{}, err
	}
	if err := applyTransition(&thread, transitionReopen); err != nil {
		return store.Thread{}, err
	}
	thread.ResolvedAt = nil
	thread.ResolvedBy = ""
	thread.ResolutionNotes = ""
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	s.logger.Info("thread_reopened", zap.String("thread_id", thread.ID), zap.String("reopened_by", actor.UserID))
	return thread, nil
}

// ArchiveThread archives a resolved thread. Active threads must be resolved
// first; only the inactivity sweep archives them directly.
func (s *ThreadService) ArchiveThread(ctx context.Context, actor Actor, threadID string) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	return s.archive(ctx, actor, thread, transitionArchive)
}

func (s *ThreadService) archive(ctx context.Context, actor Actor, thread store.Thread, t transition) (store.Thread, error) {
	if err := authorizeTransition(actor, thread, t); err != nil {
		return store.Thread{}, err
	}
	if err := applyTransition(&thread, t); err != nil {
		return store.Thread{}, err
	}
	now := s.now().UTC()
	thread.ArchivedAt = &now
	thread.ArchivedBy = actor.UserID
	thread.IsPinned = false
	thread.PinnedAt = nil
	thread.PinnedBy = ""
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	s.logger.Info("thread_archived",
		zap.String("thread_id", thread.ID),
		zap.String("archived_by", actor.UserID),
		zap.String("transition", string(t)),
	)
	publish(ctx, s.events, s.logger, events.New(events.ThreadArchived, thread.ID, "", actor.UserID))
	return thread, nil
}

func (s *ThreadService) PinThread(ctx context.Context, actor Actor, threadID string) (store.Thread, error) {
	return s.setPinned(ctx, actor, threadID, true)
}

func (s *ThreadService) UnpinThread(ctx context.Context, actor Actor, threadID string) (store.Thread, error) {
	return s.setPinned(ctx, actor, threadID, false)
}

func (s *ThreadService) setPinned(ctx context.Context, actor Actor, threadID string, pinned bool) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := requirePermission(actor, thread, rbac.ActionPin); err != nil {
		return store.Thread{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	if thread.IsPinned == pinned {
		if pinned {
			return store.Thread{}, conflictError("thread is already pinned", nil)
		}
		return store.Thread{}, conflictError("thread is not pinned", nil)
	}
	thread.IsPinned = pinned
	if pinned {
		now := s.now().UTC()
		thread.PinnedAt = &now
		thread.PinnedBy = actor.UserID
	} else {
		thread.PinnedAt = nil
		thread.PinnedBy = ""
	}
	if err := s.save(ctx, &thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

// DeleteThread soft-deletes. Only the creator or a platform admin may.
func (s *ThreadService) DeleteThread(ctx context.Context, actor Actor, threadID string) error {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.CreatedBy != actor.UserID && !actor.IsAdmin() {
		return forbiddenError("only the creator can delete this thread")
	}
	if err := s.store.SoftDeleteThread(ctx, threadID, s.now().UTC()); err != nil {
		return notFoundOr(err, "thread")
	}
	s.logger.Info("thread_deleted", zap.String("thread_id", threadID), zap.String("deleted_by", actor.UserID))
	return nil
}

func (s *ThreadService) AddParticipants(ctx context.Context, actor Actor, threadID string, userIDs []string, role store.ParticipantRole) (AddParticipantsResult, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return AddParticipantsResult{}, err
	}
	if err := requirePermission(actor, thread, rbac.ActionInvite); err != nil {
		return AddParticipantsResult{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return AddParticipantsResult{}, err
	}
	return s.participants.AddParticipants(ctx, threadID, userIDs, role, actor.UserID)
}

func (s *ThreadService) AddParticipant(ctx context.Context, actor Actor, threadID, userID string, role store.ParticipantRole) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := requirePermission(actor, thread, rbac.ActionInvite); err != nil {
		return store.Thread{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	return s.participants.AddParticipant(ctx, threadID, userID, role, actor.UserID)
}

// RemoveParticipant refuses the creator before any permission check so the
// answer is always CONFLICT.
func (s *ThreadService) RemoveParticipant(ctx context.Context, actor Actor, threadID, userID string) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if userID == thread.CreatedBy {
		return store.Thread{}, conflictError("the thread creator cannot be removed", nil)
	}
	if err := requirePermission(actor, thread, rbac.ActionInvite); err != nil {
		return store.Thread{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	return s.participants.RemoveParticipant(ctx, threadID, userID)
}

// LeaveThread hides the actor. It is not policy-gated.
func (s *ThreadService) LeaveThread(ctx context.Context, actor Actor, threadID string) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if actor.UserID == thread.CreatedBy {
		return store.Thread{}, conflictError("the thread creator cannot leave the thread", nil)
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	return s.participants.HideParticipant(ctx, threadID, actor.UserID)
}

func (s *ThreadService) UpdateParticipantRole(ctx context.Context, actor Actor, threadID, userID string, role store.ParticipantRole) (store.Thread, error) {
	thread, err := s.load(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := requirePermission(actor, thread, rbac.ActionEdit); err != nil {
		return store.Thread{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return store.Thread{}, err
	}
	return s.participants.UpdateRole(ctx, threadID, userID, role)
}

// AutoArchiveInactiveThreads archives active threads idle for longer than
// their window. Candidates are collected first, then archived one by one;
// a failing thread is recorded and the sweep moves on.
func (s *ThreadService) AutoArchiveInactiveThreads(ctx context.Context) (archive.Result, error) {
	result := archive.Result{Archived: []string{}, Failed: []archive.Failure{}}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -s.archiveDays)

	query := store.ThreadQuery{Status: store.ThreadActive, LastActivityBefore: &cutoff}
	candidates := make([]string, 0)
	for page := 1; ; page++ {
		items, err := s.store.FindThreads(ctx, query, store.Page{Page: page, Limit: store.MaxPageLimit, SortBy: "lastActivityAt"})
		if err != nil {
			return result, fmt.Errorf("find inactive threads: %w", err)
		}
		for _, item := range items {
			candidates = append(candidates, item.ID)
		}
		if len(items) < store.MaxPageLimit {
			break
		}
	}

	for _, threadID := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		archived, err := s.expire(ctx, threadID, now)
		if err != nil {
			s.metrics.ArchiveFailed()
			s.logger.Warn("thread_auto_archive_failed", zap.String("thread_id", threadID), zap.Error(err))
			result.Failed = append(result.Failed, archive.Failure{ThreadID: threadID, Error: err.Error()})
			continue
		}
		if archived {
			s.metrics.ThreadArchived()
			result.Archived = append(result.Archived, threadID)
		}
	}
	return result, nil
}

// expire re-reads the thread so a message sent since the scan keeps it alive.
func (s *ThreadService) expire(ctx context.Context, threadID string, now time.Time) (bool, error) {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load thread: %w", err)
	}
	if thread.Status != store.ThreadActive {
		return false, nil
	}
	days := s.archiveDays
	if thread.AutoArchiveAfterDays > days {
		days = thread.AutoArchiveAfterDays
	}
	if !thread.Stats.LastActivityAt.Before(now.AddDate(0, 0, -days)) {
		return false, nil
	}
	if _, err := s.archive(ctx, SystemActor, thread, transitionExpire); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ThreadService) load(ctx context.Context, threadID string) (store.Thread, error) {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	return thread, nil
}

func (s *ThreadService) save(ctx context.Context, thread *store.Thread) error {
	thread.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateThread(ctx, *thread); err != nil {
		return saveError(err)
	}
	thread.Revision++
	return nil
}

// publish hands an event to the bus. Handler failures never reach the caller.
func publish(ctx context.Context, publisher events.Publisher, logger *zap.Logger, event events.Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("event_publish_failed",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.String("thread_id", event.ThreadID),
			zap.Error(err),
		)
	}
}
