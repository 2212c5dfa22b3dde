// Package memory provides in-process implementations of the store interfaces.
// They keep the same invariants as the Postgres stores (one open conversation
// per tuple, versioned updates, unique external message IDs) and back the
// standalone mode and the engine tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// New returns a Stores container backed by a single shared in-memory database.
func New() (*store.Stores, *DB) {
	db := NewDB()
	return &store.Stores{
		Conversations: &ConversationStore{db: db},
		Messages:      &MessageStore{db: db},
		Customers:     &CustomerStore{db: db},
		Tenants:       &TenantStore{db: db},
	}, db
}

// DB is the shared state behind the in-memory stores.
type DB struct {
	mu            sync.RWMutex
	tenants       map[string]store.Tenant
	customers     map[uuid.UUID]store.Customer
	conversations map[uuid.UUID]*store.Conversation
	messages      map[uuid.UUID][]store.Message // per conversation, log order
	externalIDs   map[string]struct{}
}

func NewDB() *DB {
	return &DB{
		tenants:       make(map[string]store.Tenant),
		customers:     make(map[uuid.UUID]store.Customer),
		conversations: make(map[uuid.UUID]*store.Conversation),
		messages:      make(map[uuid.UUID][]store.Message),
		externalIDs:   make(map[string]struct{}),
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ---------------------------------------------------------------------------
// Tenants

type TenantStore struct{ db *DB }

func (s *TenantStore) Get(_ context.Context, id string) (*store.Tenant, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, ok := s.db.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

// Put inserts or replaces a tenant.
func (s *TenantStore) Put(_ context.Context, t *store.Tenant) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.tenants[t.ID] = *t
	return nil
}

// ---------------------------------------------------------------------------
// Customers

type CustomerStore struct{ db *DB }

func (s *CustomerStore) Upsert(_ context.Context, c *store.Customer) (*store.Customer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.customers {
		if existing.TenantID == c.TenantID && existing.Channel == c.Channel && existing.Address == c.Address {
			out := existing
			return &out, nil
		}
	}
	cp := *c
	if cp.ID == uuid.Nil {
		cp.ID = store.GenNewID()
	}
	if cp.OptInStatus == "" {
		cp.OptInStatus = store.OptInUnknown
	}
	cp.CreatedAt = now()
	s.db.customers[cp.ID] = cp
	return &cp, nil
}

func (s *CustomerStore) Get(_ context.Context, id uuid.UUID) (*store.Customer, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	c, ok := s.db.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *CustomerStore) SetCompliance(_ context.Context, id uuid.UUID, status store.OptInStatus, source store.OptInSource, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.customers[id]
	if !ok {
		return store.ErrNotFound
	}
	c.OptInStatus = status
	c.OptInSource = source
	t := at
	switch status {
	case store.OptInOptedIn:
		c.OptedInAt = &t
	case store.OptInOptedOut:
		c.OptedOutAt = &t
	}
	s.db.customers[id] = c
	return nil
}

// ---------------------------------------------------------------------------
// Conversations

type ConversationStore struct{ db *DB }

func (s *ConversationStore) FindOpen(_ context.Context, tenantID string, customerID uuid.UUID, channel store.Channel) (*store.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if c := s.db.findOpenLocked(tenantID, customerID, channel); c != nil {
		return c.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (db *DB) findOpenLocked(tenantID string, customerID uuid.UUID, channel store.Channel) *store.Conversation {
	var best *store.Conversation
	for _, c := range db.conversations {
		if c.TenantID != tenantID || c.Channel != channel || c.Status == store.StatusClosed {
			continue
		}
		if c.CustomerID == nil || *c.CustomerID != customerID {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return best
}

func (s *ConversationStore) Create(_ context.Context, conv *store.Conversation) (*store.Conversation, error) {
	if err := conv.Metadata.Validate(); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if conv.CustomerID != nil {
		if existing := s.db.findOpenLocked(conv.TenantID, *conv.CustomerID, conv.Channel); existing != nil {
			return existing.Clone(), nil
		}
	}
	cp := conv.Clone()
	if cp.ID == uuid.Nil {
		cp.ID = store.GenNewID()
	}
	if cp.Status == "" {
		cp.Status = store.StatusAIActive
	}
	ts := now()
	cp.Version = 1
	cp.CreatedAt = ts
	cp.UpdatedAt = ts
	s.db.conversations[cp.ID] = cp
	return cp.Clone(), nil
}

func (s *ConversationStore) Get(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	c, ok := s.db.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *ConversationStore) Update(_ context.Context, conv *store.Conversation, expectedVersion int64) error {
	if err := conv.Metadata.Validate(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cur, ok := s.db.conversations[conv.ID]
	if !ok || cur.Version != expectedVersion {
		return store.ErrConflict
	}
	next := conv.Clone()
	next.TenantID = cur.TenantID
	next.CustomerID = cur.CustomerID
	next.Channel = cur.Channel
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1
	next.UpdatedAt = now()
	s.db.conversations[conv.ID] = next

	conv.Version = next.Version
	conv.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *ConversationStore) ListByTenant(_ context.Context, tenantID string, opts store.ConversationListOpts) ([]store.ConversationSummary, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []store.ConversationSummary
	for _, c := range s.db.conversations {
		if c.TenantID != tenantID {
			continue
		}
		if c.Status == store.StatusClosed && !opts.IncludeClosed {
			continue
		}
		sum := store.ConversationSummary{Conversation: *c.Clone()}
		if c.CustomerID != nil {
			if cu, ok := s.db.customers[*c.CustomerID]; ok {
				sum.CustomerName = cu.DisplayName
			}
		}
		msgs := s.db.messages[c.ID]
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			sum.LastMessage = &last
		}
		for _, m := range msgs {
			if m.Role == store.RoleCustomer && m.ReadAt == nil {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ConversationStore) LatestHandoff(_ context.Context, tenantID string) (*store.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var best *store.Conversation
	for _, c := range s.db.conversations {
		if c.TenantID != tenantID || !c.Status.IsLive() || !c.Metadata.SubStatus().Active() {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best.Clone(), nil
}

func (s *ConversationStore) ListPendingTimeouts(_ context.Context, limit int) ([]store.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []store.Conversation
	for _, c := range s.db.conversations {
		if c.Status == store.StatusLiveQueue && !c.Metadata.TimeoutNotified {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Messages

type MessageStore struct{ db *DB }

func (s *MessageStore) Append(_ context.Context, msg *store.Message) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if msg.ExternalID != "" {
		if _, dup := s.db.externalIDs[msg.ExternalID]; dup {
			return store.ErrDuplicate
		}
		s.db.externalIDs[msg.ExternalID] = struct{}{}
	}
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	cp := *msg
	if msg.Metadata != nil {
		cp.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			cp.Metadata[k] = v
		}
	}

	log := s.db.messages[msg.ConversationID]
	i := sort.Search(len(log), func(i int) bool { return cp.Before(log[i]) })
	s.db.messages[msg.ConversationID] = slices.Insert(log, i, cp)
	return nil
}

func (s *MessageStore) ListSince(_ context.Context, conversationID uuid.UUID, since time.Time, roles []store.Role) ([]store.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []store.Message
	for _, m := range s.db.messages[conversationID] {
		if m.CreatedAt.Before(since) {
			continue
		}
		if len(roles) > 0 && !slices.Contains(roles, m.Role) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MessageStore) ListAfter(_ context.Context, conversationID uuid.UUID, afterID *uuid.UUID, limit int) ([]store.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	log := s.db.messages[conversationID]
	start := 0
	if afterID != nil {
		start = len(log)
		for i, m := range log {
			if m.ID == *afterID {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 200
	}
	end := min(start+limit, len(log))
	return slices.Clone(log[start:end]), nil
}

func (s *MessageStore) LastByRole(_ context.Context, conversationID uuid.UUID, role store.Role) (*store.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	log := s.db.messages[conversationID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Role == role {
			m := log[i]
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *MessageStore) MarkRead(_ context.Context, conversationID uuid.UUID, role store.Role, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	log := s.db.messages[conversationID]
	for i := range log {
		if log[i].Role == role && log[i].ReadAt == nil {
			t := at
			log[i].ReadAt = &t
		}
	}
	return nil
}
