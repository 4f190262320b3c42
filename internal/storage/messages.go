package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
)

// maxExclusions caps the per-message exclusion list.
const maxExclusions = 5

// NewMessage carries everything needed to persist one message. SenderID is
// the sender's membership id, already resolved from the bearer credential.
type NewMessage struct {
	TenantID              uuid.UUID
	ConversationID        uuid.UUID
	SenderID              uuid.UUID
	Content               string
	ContentType           ContentType
	ParentID              uuid.NullUUID
	QuotedMessageID       uuid.NullUUID
	ExcludedMembershipIDs []uuid.UUID
	Attachment            *NewAttachment
}

// NewAttachment is the optional media payload stored alongside a message.
type NewAttachment struct {
	URL       string
	FileName  string
	SizeBytes int64
	MimeType  string
}

// dedupeIDs drops duplicate ids preserving first-seen order. Exclusion
// lists are sets; the cap applies to distinct entries.
func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// validateNewMessage runs every precondition check before any write. A
// failure here means no row of any kind is created.
func validateNewMessage(nm NewMessage) error {
	if len(nm.ExcludedMembershipIDs) > maxExclusions {
		return ErrTooManyExclusions
	}
	for _, id := range nm.ExcludedMembershipIDs {
		if id == nm.SenderID {
			return ErrSelfExclusion
		}
	}
	if strings.TrimSpace(nm.Content) == "" {
		return ErrEmptyContent
	}
	if !nm.ContentType.valid() {
		return ErrBadContentType
	}
	return nil
}

// CreateMessage validates and persists a message in a single transaction:
// the message row, its exclusion rows (bulk), the optional attachment, the
// conversation activity bump and the notification fan-out all commit or
// roll back together. A message with is_event_chat=true and no exclusion
// rows is therefore not observable.
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	nm.ExcludedMembershipIDs = dedupeIDs(nm.ExcludedMembershipIDs)

	if err := validateNewMessage(nm); err != nil {
		return Message{}, err
	}

	s.logger.Debugf("Creating message from membership (%s) in conversation (%s)", nm.SenderID, nm.ConversationID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	// conversation must exist in this tenant
	var conversationName string
	sql := "select name from conversations where id = $1 and tenant_id = $2"
	err = tx.QueryRow(ctx, sql, nm.ConversationID, nm.TenantID).Scan(&conversationName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrConversationNotExist
		}
		return Message{}, err
	}

	// sender must be a conversation member
	var i int8
	sql = "select 1 from conversation_members where conversation_id = $1 and membership_id = $2"
	err = tx.QueryRow(ctx, sql, nm.ConversationID, nm.SenderID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotConversationMember
		}
		return Message{}, err
	}

	// every excluded membership must belong to the same tenant
	if len(nm.ExcludedMembershipIDs) > 0 {
		ids := make([]string, 0, len(nm.ExcludedMembershipIDs))
		for _, id := range nm.ExcludedMembershipIDs {
			ids = append(ids, id.String())
		}

		var n int
		sql = "select count(*) from memberships where id = any($1::uuid[]) and tenant_id = $2"
		err = tx.QueryRow(ctx, sql, ids, nm.TenantID).Scan(&n)
		if err != nil {
			return Message{}, err
		}
		if n != len(nm.ExcludedMembershipIDs) {
			return Message{}, ErrBadExclusion
		}
	}

	// threads are single-level: a reply's parent must itself be a root message
	if nm.ParentID.Valid {
		var parentConversation uuid.UUID
		var parentParent uuid.NullUUID
		sql = "select conversation_id, parent_id from messages where id = $1"
		err = tx.QueryRow(ctx, sql, nm.ParentID.UUID).Scan(&parentConversation, &parentParent)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Message{}, ErrMessageNotExist
			}
			return Message{}, err
		}
		if parentParent.Valid {
			return Message{}, ErrReplyToReply
		}
		if parentConversation != nm.ConversationID {
			return Message{}, ErrParentWrongConversation
		}
	}

	msg := Message{
		ID:              uuid.New(),
		TenantID:        nm.TenantID,
		ConversationID:  nm.ConversationID,
		SenderID:        nm.SenderID,
		Content:         nm.Content,
		ContentType:     nm.ContentType,
		IsEventChat:     len(nm.ExcludedMembershipIDs) > 0,
		ParentID:        nm.ParentID,
		QuotedMessageID: nm.QuotedMessageID,
	}

	sql = `insert into messages (id, tenant_id, conversation_id, sender_id, content, content_type, is_event_chat, parent_id, quoted_message_id)
		   values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		   returning created_at`
	err = tx.QueryRow(ctx, sql,
		msg.ID, msg.TenantID, msg.ConversationID, msg.SenderID,
		msg.Content, msg.ContentType, msg.IsEventChat, msg.ParentID, msg.QuotedMessageID,
	).Scan(&msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			switch pgErr.ConstraintName {
			case "messages_sender_id_fkey":
				return Message{}, ErrMembershipNotExist
			case "messages_conversation_id_fkey":
				return Message{}, ErrConversationNotExist
			}
		}
		return Message{}, err
	}

	if msg.IsEventChat {
		rows := make([]exclusionRow, 0, len(nm.ExcludedMembershipIDs))
		for _, id := range nm.ExcludedMembershipIDs {
			rows = append(rows, exclusionRow{
				messageID:    msg.ID,
				membershipID: id,
				tenantID:     nm.TenantID,
			})
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"event_chat_exclusions"},
			[]string{"message_id", "excluded_membership_id", "tenant_id"},
			copyFromExclusions(rows),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return Message{}, ErrBadExclusion
			}
			return Message{}, err
		}
	}

	if nm.Attachment != nil {
		sql = `insert into attachments (id, message_id, url, file_name, size_bytes, mime_type)
			   values ($1, $2, $3, $4, $5, $6)`
		_, err = tx.Exec(ctx, sql,
			uuid.New(), msg.ID,
			nm.Attachment.URL, nm.Attachment.FileName, nm.Attachment.SizeBytes, nm.Attachment.MimeType,
		)
		if err != nil {
			return Message{}, err
		}
	}

	// resort the conversation to the top of the list
	sql = "update conversations set last_activity_at = now() where id = $1"
	_, err = tx.Exec(ctx, sql, nm.ConversationID)
	if err != nil {
		return Message{}, err
	}

	// notification fan-out honors the exclusion list, so an excluded member
	// sees no trace of the message anywhere
	sql = `insert into notifications (id, user_id, tenant_id, title, body, message_id)
		   select gen_random_uuid(), m.user_id, $1, $2, $3, $4
			 from conversation_members cm
			 join memberships m
			   on m.id = cm.membership_id
			where cm.conversation_id = $5
			  and m.status = 'active'
			  and m.id <> $6
			  and not exists (
				  select 1
					from event_chat_exclusions e
				   where e.message_id = $4
					 and e.excluded_membership_id = m.id
			  )`
	_, err = tx.Exec(ctx, sql, nm.TenantID, conversationName, nm.Content, msg.ID, nm.ConversationID, nm.SenderID)
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	s.logger.Debugf("Created message (%s), event chat: %t", msg.ID, msg.IsEventChat)

	return msg, nil
}

// MessagesByConversation returns the conversation's messages visible to the
// reading membership, oldest first. A message is visible when it is
// unrestricted, or the reader sent it, or no exclusion row pairs the
// message with the reader. The predicate is evaluated per row at query
// time; the unique index on (message_id, excluded_membership_id) keeps the
// exclusion probe cheap.
func (s *Store) MessagesByConversation(ctx context.Context, conversationID, readerID uuid.UUID) ([]Message, error) {
	s.logger.Debugf("Retrieving messages in conversation (%s) for membership (%s)", conversationID, readerID)

	var i int8
	sql := "select 1 from conversation_members where conversation_id = $1 and membership_id = $2"
	err := s.db.QueryRow(ctx, sql, conversationID, readerID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotConversationMember
		}
		return nil, err
	}

	sql = `select id, tenant_id, conversation_id, sender_id, content, content_type, is_event_chat, parent_id, quoted_message_id, created_at
			 from messages
			where conversation_id = $1
			  and (not is_event_chat
				   or sender_id = $2
				   or not exists (
					   select 1
						 from event_chat_exclusions e
						where e.message_id = messages.id
						  and e.excluded_membership_id = $2
				   ))
			order by created_at asc`

	rows, err := s.db.Query(ctx, sql, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		err = rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.SenderID,
			&m.Content, &m.ContentType, &m.IsEventChat, &m.ParentID, &m.QuotedMessageID, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// ExclusionsForMessage returns the excluded membership ids of a restricted
// message, but only to its sender. Any other caller receives an empty
// slice, never an error, so the exclusion list cannot leak and callers
// need no special-case handling.
func (s *Store) ExclusionsForMessage(ctx context.Context, messageID, callerID uuid.UUID) ([]uuid.UUID, error) {
	var senderID uuid.UUID
	sql := "select sender_id from messages where id = $1"
	err := s.db.QueryRow(ctx, sql, messageID).Scan(&senderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotExist
		}
		return nil, err
	}

	if senderID != callerID {
		return []uuid.UUID{}, nil
	}

	sql = "select excluded_membership_id from event_chat_exclusions where message_id = $1"
	rows, err := s.db.Query(ctx, sql, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	excluded := make([]uuid.UUID, 0, maxExclusions)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		excluded = append(excluded, id)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return excluded, nil
}

// ImagesByConversation is the gallery read path: image attachments of the
// conversation's messages, newest first, with the same visibility predicate
// as MessagesByConversation applied for the reader.
func (s *Store) ImagesByConversation(ctx context.Context, conversationID, readerID uuid.UUID) ([]Attachment, error) {
	var i int8
	sql := "select 1 from conversation_members where conversation_id = $1 and membership_id = $2"
	err := s.db.QueryRow(ctx, sql, conversationID, readerID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotConversationMember
		}
		return nil, err
	}

	sql = `select a.id, a.message_id, a.url, a.file_name, a.size_bytes, a.mime_type, a.created_at
			 from attachments a
			 join messages m
			   on m.id = a.message_id
			where m.conversation_id = $1
			  and a.mime_type like 'image/%'
			  and (not m.is_event_chat
				   or m.sender_id = $2
				   or not exists (
					   select 1
						 from event_chat_exclusions e
						where e.message_id = m.id
						  and e.excluded_membership_id = $2
				   ))
			order by a.created_at desc`

	rows, err := s.db.Query(ctx, sql, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Attachment
	for rows.Next() {
		var a Attachment
		err = rows.Scan(&a.ID, &a.MessageID, &a.URL, &a.FileName, &a.SizeBytes, &a.MimeType, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		images = append(images, a)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return images, nil
}
