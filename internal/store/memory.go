package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local store used when no database is configured
// and by service tests. Every read returns a deep copy.
type MemoryStore struct {
	mu            sync.RWMutex
	threads       map[string]Thread
	messages      map[string]Message
	users         map[string]User
	stakeholders  []Stakeholder
	templates     map[string]ThreadTemplate
	notifications []Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:   make(map[string]Thread),
		messages:  make(map[string]Message),
		users:     make(map[string]User),
		templates: make(map[string]ThreadTemplate),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneThread(item Thread) Thread {
	out := item
	out.Participants = slices.Clone(item.Participants)
	out.Tags = slices.Clone(item.Tags)
	if item.Permissions != nil {
		out.Permissions = make(map[string]string, len(item.Permissions))
		for k, v := range item.Permissions {
			out.Permissions[k] = v
		}
	}
	if item.Context.Metadata != nil {
		out.Context.Metadata = make(map[string]any, len(item.Context.Metadata))
		for k, v := range item.Context.Metadata {
			out.Context.Metadata[k] = v
		}
	}
	return out
}

func cloneMessage(item Message) Message {
	out := item
	out.Attachments = slices.Clone(item.Attachments)
	out.LinkPreviews = slices.Clone(item.LinkPreviews)
	out.Mentions = slices.Clone(item.Mentions)
	out.ThreadPath = slices.Clone(item.ThreadPath)
	out.ReadBy = slices.Clone(item.ReadBy)
	out.DeletedFor = slices.Clone(item.DeletedFor)
	out.EditHistory = slices.Clone(item.EditHistory)
	if item.ReplyTo != nil {
		v := *item.ReplyTo
		out.ReplyTo = &v
	}
	if item.RootMessageID != nil {
		v := *item.RootMessageID
		out.RootMessageID = &v
	}
	if out.ThreadPath == nil {
		out.ThreadPath = []string{}
	}
	if out.ReadBy == nil {
		out.ReadBy = []ReadReceipt{}
	}
	return out
}

func (s *MemoryStore) CreateThread(_ context.Context, item Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[item.ID] = cloneThread(item)
	return nil
}

func (s *MemoryStore) FindThreadByID(_ context.Context, threadID string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.threads[threadID]
	if !ok || item.DeletedAt != nil {
		return Thread{}, ErrNotFound
	}
	return cloneThread(item), nil
}

func (s *MemoryStore) FindThreadsByEvent(ctx context.Context, referenceID string, referenceType ReferenceType, page Page) ([]Thread, error) {
	return s.FindThreads(ctx, ThreadQuery{ReferenceID: referenceID, ReferenceType: referenceType}, page)
}

func (s *MemoryStore) FindThreadsByParticipant(ctx context.Context, userID string, status ThreadStatus, page Page) ([]Thread, error) {
	return s.FindThreads(ctx, ThreadQuery{ParticipantID: userID, Status: status}, page)
}

func (q ThreadQuery) matches(item Thread) bool {
	if !q.IncludeDeleted && item.DeletedAt != nil {
		return false
	}
	if q.Status != "" && item.Status != q.Status {
		return false
	}
	if q.ReferenceID != "" && item.Context.ReferenceID != q.ReferenceID {
		return false
	}
	if q.ReferenceType != "" && item.Context.ReferenceType != q.ReferenceType {
		return false
	}
	if q.ParticipantID != "" && !item.IsVisibleParticipant(q.ParticipantID) {
		return false
	}
	if q.LastActivityBefore != nil && !item.Stats.LastActivityAt.Before(*q.LastActivityBefore) {
		return false
	}
	return true
}

func (s *MemoryStore) FindThreads(_ context.Context, query ThreadQuery, page Page) ([]Thread, error) {
	page = page.Normalize()
	s.mu.RLock()
	items := make([]Thread, 0)
	for _, item := range s.threads {
		if query.matches(item) {
			items = append(items, cloneThread(item))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		return lessThread(items[i], items[j], page)
	})
	return paginate(items, page), nil
}

func lessThread(a, b Thread, page Page) bool {
	var cmp int
	switch page.SortBy {
	case "createdAt":
		cmp = a.CreatedAt.Compare(b.CreatedAt)
	case "updatedAt":
		cmp = a.UpdatedAt.Compare(b.UpdatedAt)
	case "lastActivityAt":
		cmp = a.Stats.LastActivityAt.Compare(b.Stats.LastActivityAt)
	case "title":
		cmp = strings.Compare(a.Title, b.Title)
	default:
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if c := b.Stats.LastActivityAt.Compare(a.Stats.LastActivityAt); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	}
	if page.Desc {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.ID < b.ID
}

func paginate[T any](items []T, page Page) []T {
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *MemoryStore) CountThreads(_ context.Context, query ThreadQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, item := range s.threads {
		if query.matches(item) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateThread(_ context.Context, item Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.threads[item.ID]
	if !ok || current.DeletedAt != nil {
		return ErrNotFound
	}
	if current.Revision != item.Revision {
		return ErrStale
	}
	next := cloneThread(item)
	next.Context = current.Context
	next.CreatedBy = current.CreatedBy
	next.CreatedAt = current.CreatedAt
	participants := item.Stats.ParticipantCount
	next.Stats = current.Stats
	next.Stats.ParticipantCount = participants
	next.Revision = current.Revision + 1
	s.threads[item.ID] = next
	return nil
}

// UpdateThreadStats writes only the derived counters. LastActivityAt never
// moves backwards and the revision is left alone.
func (s *MemoryStore) UpdateThreadStats(_ context.Context, threadID string, stats ThreadStats, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.threads[threadID]
	if !ok || current.DeletedAt != nil {
		return ErrNotFound
	}
	if stats.LastActivityAt.Before(current.Stats.LastActivityAt) {
		stats.LastActivityAt = current.Stats.LastActivityAt
	}
	current.Stats = stats
	current.UpdatedAt = at
	s.threads[threadID] = current
	return nil
}

func (s *MemoryStore) SoftDeleteThread(_ context.Context, threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.threads[threadID]
	if !ok || item.DeletedAt != nil {
		return ErrNotFound
	}
	item.DeletedAt = &at
	item.UpdatedAt = at
	s.threads[threadID] = item
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, item Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[item.ID] = cloneMessage(item)
	return nil
}

func (s *MemoryStore) FindMessageByID(_ context.Context, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(item), nil
}

func (q MessageQuery) matches(item Message) bool {
	if q.ThreadID != "" && item.ThreadID != q.ThreadID {
		return false
	}
	if !q.IncludeDeleted && item.IsDeleted {
		return false
	}
	if q.ReplyTo != "" && (item.ReplyTo == nil || *item.ReplyTo != q.ReplyTo) {
		return false
	}
	if q.AncestorID != "" && !slices.Contains(item.ThreadPath, q.AncestorID) {
		return false
	}
	if q.RootsOnly && item.ReplyTo != nil {
		return false
	}
	if q.RepliesOnly && item.ReplyTo == nil {
		return false
	}
	if q.NotSentBy != "" && item.Sender == q.NotSentBy {
		return false
	}
	if q.NotReadBy != "" && item.IsReadBy(q.NotReadBy) {
		return false
	}
	if q.UnreadOnly && len(item.ReadBy) > 0 {
		return false
	}
	if q.MinDepth > 0 && item.ThreadDepth < q.MinDepth {
		return false
	}
	return true
}

func (s *MemoryStore) FindMessages(_ context.Context, query MessageQuery, page Page) ([]Message, error) {
	page = page.Normalize()
	s.mu.RLock()
	items := make([]Message, 0)
	for _, item := range s.messages {
		if query.matches(item) {
			items = append(items, cloneMessage(item))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		var cmp int
		switch page.SortBy {
		case "updatedAt":
			cmp = items[i].UpdatedAt.Compare(items[j].UpdatedAt)
		default:
			cmp = items[i].CreatedAt.Compare(items[j].CreatedAt)
		}
		if page.Desc && page.SortBy != "" {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
		return items[i].ID < items[j].ID
	})
	return paginate(items, page), nil
}

func (s *MemoryStore) CountMessages(_ context.Context, query MessageQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, item := range s.messages {
		if query.matches(item) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, item Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.messages[item.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneMessage(item)
	next.ThreadID = current.ThreadID
	next.Sender = current.Sender
	next.SenderType = current.SenderType
	next.CreatedAt = current.CreatedAt
	s.messages[item.ID] = next
	return nil
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, messageID, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	item.IsDeleted = true
	item.DeletedAt = &at
	item.UpdatedAt = at
	if !slices.Contains(item.DeletedFor, actorID) {
		item.DeletedFor = append(slices.Clone(item.DeletedFor), actorID)
	}
	s.messages[messageID] = item
	return nil
}

func (s *MemoryStore) MarkThreadRead(_ context.Context, threadID, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for id, item := range s.messages {
		if item.ThreadID != threadID || item.IsDeleted || item.Sender == userID || item.IsReadBy(userID) {
			continue
		}
		item.ReadBy = append(slices.Clone(item.ReadBy), ReadReceipt{UserID: userID, ReadAt: at})
		s.messages[id] = item
		marked++
	}
	return marked, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) FindUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Username, username) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) AddStakeholder(_ context.Context, item Stakeholder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.stakeholders {
		if existing.ReferenceID == item.ReferenceID && existing.ReferenceType == item.ReferenceType && existing.UserID == item.UserID {
			s.stakeholders[i] = item
			return nil
		}
	}
	s.stakeholders = append(s.stakeholders, item)
	return nil
}

func (s *MemoryStore) FindStakeholders(_ context.Context, referenceID string, referenceType ReferenceType) ([]Stakeholder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Stakeholder, 0)
	for _, item := range s.stakeholders {
		if item.ReferenceID == referenceID && item.ReferenceType == referenceType {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (s *MemoryStore) CheckEventAccess(_ context.Context, userID, referenceID string, referenceType ReferenceType) (bool, error) {
	if referenceType == ReferenceNone {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[userID]; ok && user.Role == string(RoleAdmin) {
		return true, nil
	}
	for _, item := range s.stakeholders {
		if item.UserID == userID && item.ReferenceID == referenceID && item.ReferenceType == referenceType {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CreateTemplate(_ context.Context, item ThreadTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[item.ID] = item
	return nil
}

func (s *MemoryStore) FindTemplateByID(_ context.Context, templateID string) (ThreadTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.templates[templateID]
	if !ok {
		return ThreadTemplate{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, item Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, item)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, page Page) ([]Notification, error) {
	page = page.Normalize()
	s.mu.RLock()
	items := make([]Notification, 0)
	for _, item := range s.notifications {
		if item.UserID != userID || (unreadOnly && item.ReadAt != nil) {
			continue
		}
		items = append(items, item)
	}
	s.mu.RUnlock()
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return paginate(items, page), nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, notificationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.notifications {
		if item.ID != notificationID || item.UserID != userID {
			continue
		}
		if item.ReadAt == nil {
			s.notifications[i].ReadAt = &at
		}
		return nil
	}
	return ErrNotFound
}
