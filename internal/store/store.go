// Package store persists contacts, conversations and messages in a relational
// database. The same SQL runs on SQLite and PostgreSQL; every upsert is one
// INSERT ... ON CONFLICT ... RETURNING statement so concurrent deliveries of
// the same external id converge on a single row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"inboxrelay/internal/domain"
)

const (
	defaultListLimit = 500
	maxListLimit     = 5000
)

// dialect captures the few places where SQLite and PostgreSQL disagree.
type dialect struct {
	name     string
	numbered bool   // $1, $2 ... instead of ?
	greatest string // scalar max function
}

var (
	sqliteDialect   = dialect{name: "sqlite", greatest: "MAX"}
	postgresDialect = dialect{name: "postgres", numbered: true, greatest: "GREATEST"}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// sqlStore implements domain.Store on top of database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

var _ domain.Store = (*sqlStore)(nil)

const contactColumns = `id, external_id, name, email, avatar, created_at, updated_at`

const conversationColumns = `id, external_id, contact_id, inbox_id, unread_count, last_message_at,
	status, group_name, group_external_id, created_at, updated_at`

const messageColumns = `id, external_id, conversation_id, content, sender, sender_name,
	sender_phone, is_read, created_at`

func (s *sqlStore) UpsertContact(ctx context.Context, in domain.ContactUpsert) (domain.Contact, error) {
	if in.ID == "" || in.ExternalID == "" {
		return domain.Contact{}, fmt.Errorf("upsert contact: %w", domain.ErrInvalidInput)
	}
	now := toMillis(in.Now)
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			avatar = CASE WHEN excluded.avatar <> '' THEN excluded.avatar ELSE contacts.avatar END,
			updated_at = excluded.updated_at
		RETURNING `+contactColumns),
		in.ID, in.ExternalID, in.Name, in.Email, in.Avatar, now, now,
	)
	c, err := scanContact(row)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("upsert contact %s: %w", in.ExternalID, err)
	}
	return c, nil
}

func (s *sqlStore) UpsertConversation(ctx context.Context, in domain.ConversationUpsert) (domain.Conversation, error) {
	if in.ID == "" || in.ExternalID == "" || in.ContactID == "" {
		return domain.Conversation{}, fmt.Errorf("upsert conversation: %w", domain.ErrInvalidInput)
	}
	now := toMillis(in.Now)
	// inbox_id is written once; later deliveries cannot move a conversation
	// to another inbox. last_message_at never goes backwards.
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			contact_id = excluded.contact_id,
			inbox_id = CASE WHEN conversations.inbox_id = '' THEN excluded.inbox_id ELSE conversations.inbox_id END,
			unread_count = excluded.unread_count,
			last_message_at = `+s.dialect.greatest+`(conversations.last_message_at, excluded.last_message_at),
			status = excluded.status,
			group_name = CASE WHEN excluded.group_name <> '' THEN excluded.group_name ELSE conversations.group_name END,
			group_external_id = CASE WHEN excluded.group_external_id <> '' THEN excluded.group_external_id ELSE conversations.group_external_id END,
			updated_at = excluded.updated_at
		RETURNING `+conversationColumns),
		in.ID, in.ExternalID, in.ContactID, in.InboxID, in.UnreadCount, toMillis(in.LastMessageAt),
		in.Status, in.GroupName, in.GroupExternalID, now, now,
	)
	c, err := scanConversation(row)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("upsert conversation %s: %w", in.ExternalID, err)
	}
	return c, nil
}

func (s *sqlStore) InsertMessage(ctx context.Context, in domain.MessageInsert) (domain.Message, bool, error) {
	if in.ID == "" || in.ExternalID == "" || in.ConversationID == "" {
		return domain.Message{}, false, fmt.Errorf("insert message: %w", domain.ErrInvalidInput)
	}
	// The no-op update on conflict exists only so RETURNING yields the stored
	// row; content, sender and timestamp of an existing message never change.
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT (external_id) DO UPDATE SET external_id = excluded.external_id
		RETURNING `+messageColumns),
		in.ID, in.ExternalID, in.ConversationID, in.Content, string(in.Sender),
		in.SenderName, in.SenderPhone, toMillis(in.CreatedAt),
	)
	m, err := scanMessage(row)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("insert message %s: %w", in.ExternalID, err)
	}
	return m, m.ID == in.ID, nil
}

func (s *sqlStore) MarkMessageRead(ctx context.Context, id string) (domain.Message, error) {
	if id == "" {
		return domain.Message{}, fmt.Errorf("mark read: %w", domain.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		UPDATE messages SET is_read = TRUE WHERE id = ?
		RETURNING `+messageColumns), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("mark read %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("mark read %s: %w", id, err)
	}
	return m, nil
}

func (s *sqlStore) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.CanonicalMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	order := "ASC"
	if filter.Descending {
		order = "DESC"
	}

	// The window always holds the newest rows; the outer query only decides
	// the order they are returned in.
	query := `
		SELECT msg_id, msg_external_id, content, sender, sender_name, sender_phone,
			is_read, created_at, conv_external_id, inbox_id, group_name, contact_id, contact_name
		FROM (
			SELECT m.id AS msg_id, m.external_id AS msg_external_id, m.content, m.sender,
				m.sender_name, m.sender_phone, m.is_read, m.created_at,
				c.external_id AS conv_external_id, c.inbox_id, c.group_name,
				ct.id AS contact_id, ct.name AS contact_name
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			LEFT JOIN contacts ct ON ct.id = c.contact_id`
	args := []any{}
	if filter.InboxID != "" {
		query += `
			WHERE c.inbox_id = ?`
		args = append(args, filter.InboxID)
	}
	query += `
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		) recent
		ORDER BY created_at ` + order + `, msg_id ` + order
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.CanonicalMessage, 0)
	for rows.Next() {
		var (
			m                      domain.CanonicalMessage
			sender                 string
			createdAt              int64
			contactID, contactName sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.Content, &sender, &m.SenderName, &m.SenderPhone,
			&m.IsRead, &createdAt, &m.ConversationID, &m.InboxID, &m.GroupName, &contactID, &contactName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = domain.SenderRole(sender)
		m.CreatedAt = fromMillis(createdAt)
		if contactID.Valid {
			m.Contact = &domain.ContactRef{ID: contactID.String, Name: contactName.String}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *sqlStore) CountMessagesSince(ctx context.Context, inboxID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.created_at >= ?`
	args := []any{toMillis(since)}
	if inboxID != "" {
		query += ` AND c.inbox_id = ?`
		args = append(args, inboxID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *sqlStore) CountConversations(ctx context.Context, inboxID string) (int, error) {
	query := `SELECT COUNT(*) FROM conversations`
	var args []any
	if inboxID != "" {
		query += ` WHERE inbox_id = ?`
		args = append(args, inboxID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *sqlStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect name ("sqlite" or "postgres").
func (s *sqlStore) Dialect() string { return s.dialect.name }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (domain.Contact, error) {
	var (
		c                    domain.Contact
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.ExternalID, &c.Name, &c.Email, &c.Avatar, &createdAt, &updatedAt); err != nil {
		return domain.Contact{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		c                                   domain.Conversation
		lastMessageAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.ExternalID, &c.ContactID, &c.InboxID, &c.UnreadCount, &lastMessageAt,
		&c.Status, &c.GroupName, &c.GroupExternalID, &createdAt, &updatedAt); err != nil {
		return domain.Conversation{}, err
	}
	c.LastMessageAt = fromMillis(lastMessageAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m         domain.Message
		sender    string
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.ExternalID, &m.ConversationID, &m.Content, &sender,
		&m.SenderName, &m.SenderPhone, &m.IsRead, &createdAt); err != nil {
		return domain.Message{}, err
	}
	m.Sender = domain.SenderRole(sender)
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

// Timestamps are stored as unix milliseconds so both dialects sort and
// compare them identically.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
