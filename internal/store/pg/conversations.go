package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

const conversationCols = `c.id, c.tenant_id, c.customer_id, c.channel, c.status, c.metadata, c.version, c.created_at, c.updated_at`

func (s *PGConversationStore) FindOpen(ctx context.Context, tenantID string, customerID uuid.UUID, channel store.Channel) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations c
		 WHERE c.tenant_id = $1 AND c.customer_id = $2 AND c.channel = $3 AND c.status <> $4
		 ORDER BY c.updated_at DESC LIMIT 1`,
		tenantID, customerID, channel, store.StatusClosed)
	return scanConversation(row)
}

func (s *PGConversationStore) Create(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = store.GenNewID()
	}
	if conv.Status == "" {
		conv.Status = store.StatusAIActive
	}
	meta, err := conv.Metadata.Encode()
	if err != nil {
		return nil, err
	}
	now := nowUTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, customer_id, channel, status, metadata, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		 ON CONFLICT (tenant_id, customer_id, channel) WHERE status <> 'closed' DO NOTHING`,
		conv.ID, conv.TenantID, conv.CustomerID, conv.Channel, conv.Status, meta, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 && conv.CustomerID != nil {
		// Lost the race: another request opened the conversation first.
		return s.FindOpen(ctx, conv.TenantID, *conv.CustomerID, conv.Channel)
	}
	conv.Version = 1
	conv.CreatedAt = now
	conv.UpdatedAt = now
	return conv, nil
}

func (s *PGConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations c WHERE c.id = $1`, id)
	return scanConversation(row)
}

func (s *PGConversationStore) Update(ctx context.Context, conv *store.Conversation, expectedVersion int64) error {
	meta, err := conv.Metadata.Encode()
	if err != nil {
		return err
	}
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, metadata = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND version = $5`,
		conv.Status, meta, now, conv.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	conv.Version = expectedVersion + 1
	conv.UpdatedAt = now
	return nil
}

func (s *PGConversationStore) ListByTenant(ctx context.Context, tenantID string, opts store.ConversationListOpts) ([]store.ConversationSummary, error) {
	statuses := []string{
		string(store.StatusAIActive), string(store.StatusLiveQueue),
		string(store.StatusLiveActive), string(store.StatusEscalated),
	}
	if opts.IncludeClosed {
		statuses = append(statuses, string(store.StatusClosed))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationCols+`,
		 COALESCE(cu.display_name, ''),
		 lm.id, lm.role, lm.content, lm.created_at,
		 (SELECT COUNT(*) FROM messages um
		  WHERE um.conversation_id = c.id AND um.role = $3 AND um.read_at IS NULL)
		 FROM conversations c
		 LEFT JOIN customers cu ON cu.id = c.customer_id
		 LEFT JOIN LATERAL (
		   SELECT m.id, m.role, m.content, m.created_at FROM messages m
		   WHERE m.conversation_id = c.id
		   ORDER BY m.created_at DESC, m.id DESC LIMIT 1
		 ) lm ON true
		 WHERE c.tenant_id = $1 AND c.status = ANY($2)
		 ORDER BY c.updated_at DESC
		 LIMIT $4 OFFSET $5`,
		tenantID, pq.Array(statuses), store.RoleCustomer, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ConversationSummary
	for rows.Next() {
		var sum store.ConversationSummary
		var meta []byte
		var lmID *uuid.UUID
		var lmRole, lmContent sql.NullString
		var lmAt sql.NullTime
		if err := rows.Scan(
			&sum.ID, &sum.TenantID, &sum.CustomerID, &sum.Channel, &sum.Status, &meta,
			&sum.Version, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.CustomerName,
			&lmID, &lmRole, &lmContent, &lmAt,
			&sum.UnreadCount,
		); err != nil {
			return nil, err
		}
		if sum.Metadata, err = store.DecodeRoutingMetadata(meta); err != nil {
			return nil, fmt.Errorf("conversation %s: %w", sum.ID, err)
		}
		if lmID != nil {
			sum.LastMessage = &store.Message{
				ID:             *lmID,
				ConversationID: sum.ID,
				Role:           store.Role(lmRole.String),
				Content:        lmContent.String,
				CreatedAt:      lmAt.Time,
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PGConversationStore) LatestHandoff(ctx context.Context, tenantID string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations c
		 WHERE c.tenant_id = $1 AND c.status = ANY($2)
		   AND c.metadata->>'handoff_sub_status' = ANY($3)
		 ORDER BY c.updated_at DESC LIMIT 1`,
		tenantID,
		pq.Array([]string{string(store.StatusLiveQueue), string(store.StatusLiveActive)}),
		pq.Array([]string{string(store.HandoffPendingOwner), string(store.HandoffOwnerActive)}),
	)
	return scanConversation(row)
}

func (s *PGConversationStore) ListPendingTimeouts(ctx context.Context, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationCols+` FROM conversations c
		 WHERE c.status = $1
		   AND COALESCE((c.metadata->>'timeout_notified')::boolean, false) = false
		 ORDER BY c.updated_at
		 LIMIT $2`,
		store.StatusLiveQueue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var c store.Conversation
	var meta []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.Channel, &c.Status, &meta,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Metadata, err = store.DecodeRoutingMetadata(meta); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", c.ID, err)
	}
	return &c, nil
}

func encodeMap(m map[string]string) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, _ := json.Marshal(m)
	return b
}
