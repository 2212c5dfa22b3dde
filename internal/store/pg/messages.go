package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const messageCols = `id, conversation_id, role, content, metadata, COALESCE(external_id, ''), read_at, created_at`

func (s *PGMessageStore) Append(ctx context.Context, msg *store.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = nowUTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, external_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, encodeMap(msg.Metadata),
		nilStr(msg.ExternalID), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *PGMessageStore) ListSince(ctx context.Context, conversationID uuid.UUID, since time.Time, roles []store.Role) ([]store.Message, error) {
	q := `SELECT ` + messageCols + ` FROM messages
		 WHERE conversation_id = $1 AND created_at >= $2`
	args := []any{conversationID, since}
	if len(roles) > 0 {
		rs := make([]string, len(roles))
		for i, r := range roles {
			rs[i] = string(r)
		}
		q += ` AND role = ANY($3)`
		args = append(args, pq.Array(rs))
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGMessageStore) ListAfter(ctx context.Context, conversationID uuid.UUID, afterID *uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	if afterID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE conversation_id = $1
			 ORDER BY created_at, id LIMIT $2`,
			conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE conversation_id = $1
			   AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
			 ORDER BY created_at, id LIMIT $3`,
			conversationID, *afterID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGMessageStore) LastByRole(ctx context.Context, conversationID uuid.UUID, role store.Role) (*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1 AND role = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		conversationID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	return &msgs[0], nil
}

func (s *PGMessageStore) MarkRead(ctx context.Context, conversationID uuid.UUID, role store.Role, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at = $1
		 WHERE conversation_id = $2 AND role = $3 AND read_at IS NULL`,
		at, conversationID, role)
	return err
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		var meta []byte
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta,
			&m.ExternalID, &readAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("message %s metadata: %w", m.ID, err)
			}
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
