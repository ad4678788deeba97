// Package mailbox implements the coordination message bus: addressed, typed
// messages with read/unread tracking. Delivery is pull-based and
// at-least-once; a message row is immutable after insertion except its read
// flag. The monotonic seq column preserves send order per sender.
//
// Role aliases ("mayor") are stored verbatim in the recipient column and
// resolved against the registry at fetch time by the caller, so the alias
// follows the current holder of the role.
package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/pkg/protocol"
)

// Store manages the messages table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store backed by the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SendParams holds parameters for sending a message.
type SendParams struct {
	ID      string // assigned by the caller
	From    string // sender agent name
	To      string // recipient agent name or role alias
	Type    protocol.MessageType
	Content string
}

// Send appends a message. Fire-and-forget from the sender's perspective:
// identity resolution has already happened in the coordinator, so the only
// local failure modes are invalid input and storage errors.
func (s *Store) Send(ctx context.Context, workspaceID string, p SendParams) (*protocol.Message, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("send: unknown message type %q", p.Type)
	}
	if p.From == "" || p.To == "" {
		return nil, errors.New("send: empty from or to")
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, workspace_id, sender, recipient, type, content, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		p.ID, workspaceID, p.From, p.To, string(p.Type), p.Content, protocol.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("send insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("send insert id: %w", err)
	}
	return &protocol.Message{
		ID:          p.ID,
		Seq:         seq,
		WorkspaceID: workspaceID,
		From:        p.From,
		To:          p.To,
		Type:        p.Type,
		Content:     p.Content,
		CreatedAt:   now.UTC(),
	}, nil
}

// Inbox returns unread messages addressed to any of the given recipient
// keys (an agent's name plus its role alias), in send order. Reading does
// not consume: callers mark messages read explicitly. Re-invoking restarts
// the sequence with fresh state.
func (s *Store) Inbox(ctx context.Context, workspaceID string, keys []string) ([]protocol.Message, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := []any{workspaceID}
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx,
		selectMessage+` WHERE workspace_id=? AND recipient IN (`+placeholders+`) AND is_read=0 ORDER BY seq`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	return s.collect(rows)
}

// MarkRead flags a message as read. Idempotent: marking an already-read
// message succeeds without further effect.
func (s *Store) MarkRead(ctx context.Context, workspaceID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read=1 WHERE id=? AND workspace_id=?`,
		messageID, workspaceID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "message", ID: messageID}
	}
	return nil
}

// Get returns a single message by id.
func (s *Store) Get(ctx context.Context, workspaceID, messageID string) (*protocol.Message, error) {
	m, err := s.scanOne(s.db.QueryRowContext(ctx,
		selectMessage+` WHERE id=? AND workspace_id=?`, messageID, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "message", ID: messageID}
	}
	return m, err
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	From       string
	To         string
	Type       protocol.MessageType
	UnreadOnly bool
}

// List returns messages in the workspace matching the filter, in send order.
func (s *Store) List(ctx context.Context, workspaceID string, f Filter) ([]protocol.Message, error) {
	query := selectMessage + ` WHERE workspace_id=?`
	args := []any{workspaceID}
	if f.From != "" {
		query += ` AND sender=?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND recipient=?`
		args = append(args, f.To)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, string(f.Type))
	}
	if f.UnreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return s.collect(rows)
}

const selectMessage = `SELECT seq, id, workspace_id, sender, recipient, type, content, is_read, created_at FROM messages`

func (s *Store) collect(rows *sql.Rows) ([]protocol.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []protocol.Message
	for rows.Next() {
		m, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*protocol.Message, error) {
	var m protocol.Message
	var typ, createdAt string
	var isRead int
	err := row.Scan(&m.Seq, &m.ID, &m.WorkspaceID, &m.From, &m.To, &typ, &m.Content, &isRead, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Type = protocol.MessageType(typ)
	m.Read = isRead != 0
	if m.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse message created_at: %w", err)
	}
	return &m, nil
}
