package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const upsertMessageSQL = `
	INSERT INTO messages (
		id,
		account_id,
		folder_id,
		uid,
		uid_validity,
		message_id,
		in_reply_to,
		reference_ids,
		thread_id,
		subject,
		from_addresses,
		to_addresses,
		cc_addresses,
		bcc_addresses,
		sent_at,
		body_text,
		body_html,
		attachments,
		is_seen,
		is_answered,
		is_flagged,
		is_deleted,
		is_draft,
		is_recent,
		keywords
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	ON CONFLICT (account_id, folder_id, uid) DO UPDATE SET
		uid_validity = EXCLUDED.uid_validity,
		message_id = EXCLUDED.message_id,
		in_reply_to = EXCLUDED.in_reply_to,
		reference_ids = EXCLUDED.reference_ids,
		thread_id = EXCLUDED.thread_id,
		subject = EXCLUDED.subject,
		from_addresses = EXCLUDED.from_addresses,
		to_addresses = EXCLUDED.to_addresses,
		cc_addresses = EXCLUDED.cc_addresses,
		bcc_addresses = EXCLUDED.bcc_addresses,
		sent_at = EXCLUDED.sent_at,
		body_text = EXCLUDED.body_text,
		body_html = EXCLUDED.body_html,
		attachments = EXCLUDED.attachments,
		is_seen = EXCLUDED.is_seen,
		is_answered = EXCLUDED.is_answered,
		is_flagged = EXCLUDED.is_flagged,
		is_deleted = EXCLUDED.is_deleted,
		is_draft = EXCLUDED.is_draft,
		is_recent = EXCLUDED.is_recent,
		keywords = EXCLUDED.keywords,
		updated_at = NOW()
`

// MessageStore keeps normalized messages in PostgreSQL.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a MessageStore over pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// GetLatestUID returns the highest stored UID of the folder, or 0.
func (s *MessageStore) GetLatestUID(ctx context.Context, accountID, folderID string) (uint32, error) {
	var uid int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(uid), 0) FROM messages WHERE account_id = $1 AND folder_id = $2
	`, accountID, folderID).Scan(&uid)

	if err != nil {
		return 0, fmt.Errorf("failed to get latest UID: %w", err)
	}

	return uint32(uid), nil
}

// UpsertMessages stores messages in one transaction. With isFullReplace the
// folder ends up holding exactly these messages: rows with other UIDs, or
// from another uidValidity, are removed.
func (s *MessageStore) UpsertMessages(ctx context.Context, accountID, folderID string, messages []*models.Message, isFullReplace bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if len(messages) > 0 {
		batch := &pgx.Batch{}
		for _, msg := range messages {
			attachments, err := json.Marshal(attachmentsOrEmpty(msg.Attachments))
			if err != nil {
				return fmt.Errorf("failed to marshal attachments of message %d: %w", msg.UID, err)
			}

			batch.Queue(upsertMessageSQL,
				msg.ID,
				accountID,
				folderID,
				int64(msg.UID),
				int64(msg.UIDValidity),
				msg.MessageID,
				msg.InReplyTo,
				stringsOrEmpty(msg.References),
				msg.ThreadID,
				msg.Subject,
				stringsOrEmpty(msg.From),
				stringsOrEmpty(msg.To),
				stringsOrEmpty(msg.Cc),
				stringsOrEmpty(msg.Bcc),
				msg.SentAt,
				msg.BodyText,
				msg.BodyHTML,
				string(attachments),
				msg.Flags.Seen,
				msg.Flags.Answered,
				msg.Flags.Flagged,
				msg.Flags.Deleted,
				msg.Flags.Draft,
				msg.Flags.Recent,
				stringsOrEmpty(msg.Flags.Keywords),
			)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save messages: %w", err)
		}
	}

	if isFullReplace {
		if err := deleteMissing(ctx, tx, accountID, folderID, messages); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}

	return nil
}

func deleteMissing(ctx context.Context, tx pgx.Tx, accountID, folderID string, kept []*models.Message) error {
	if len(kept) == 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM messages WHERE account_id = $1 AND folder_id = $2
		`, accountID, folderID); err != nil {
			return fmt.Errorf("failed to clear folder: %w", err)
		}
		return nil
	}

	uids := make([]int64, 0, len(kept))
	for _, msg := range kept {
		uids = append(uids, int64(msg.UID))
	}

	_, err := tx.Exec(ctx, `
		DELETE FROM messages
		WHERE account_id = $1 AND folder_id = $2
		  AND (uid_validity <> $3 OR NOT (uid = ANY($4)))
	`, accountID, folderID, int64(kept[0].UIDValidity), uids)

	if err != nil {
		return fmt.Errorf("failed to delete stale messages: %w", err)
	}

	return nil
}

// DeleteMessage removes one message. Deleting an unknown message is not an error.
func (s *MessageStore) DeleteMessage(ctx context.Context, accountID, folderID string, uid uint32) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE account_id = $1 AND folder_id = $2 AND uid = $3
	`, accountID, folderID, int64(uid))

	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return nil
}

// UpdateFlags replaces the flags of one message.
func (s *MessageStore) UpdateFlags(ctx context.Context, accountID, folderID string, uid uint32, flags models.Flags) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			is_seen = $4,
			is_answered = $5,
			is_flagged = $6,
			is_deleted = $7,
			is_draft = $8,
			is_recent = $9,
			keywords = $10,
			updated_at = NOW()
		WHERE account_id = $1 AND folder_id = $2 AND uid = $3
	`,
		accountID,
		folderID,
		int64(uid),
		flags.Seen,
		flags.Answered,
		flags.Flagged,
		flags.Deleted,
		flags.Draft,
		flags.Recent,
		stringsOrEmpty(flags.Keywords),
	)

	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// LookupThreadIDs maps Message-IDs to their stored thread ids. When a
// Message-ID is stored more than once, the earliest copy wins.
func (s *MessageStore) LookupThreadIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]string, error) {
	threads := make(map[string]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return threads, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (message_id) message_id, thread_id
		FROM messages
		WHERE account_id = $1 AND message_id = ANY($2)
		ORDER BY message_id, sent_at NULLS LAST, uid
	`, accountID, messageIDs)

	if err != nil {
		return nil, fmt.Errorf("failed to look up threads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, threadID string
		if err := rows.Scan(&messageID, &threadID); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads[messageID] = threadID
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// GetMessage returns one stored message.
func (s *MessageStore) GetMessage(ctx context.Context, accountID, folderID string, uid uint32) (*models.Message, error) {
	var (
		msg         models.Message
		uidValue    int64
		uidValidity int64
		attachments []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT
			id,
			account_id,
			folder_id,
			uid,
			uid_validity,
			message_id,
			in_reply_to,
			reference_ids,
			thread_id,
			subject,
			from_addresses,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			sent_at,
			body_text,
			body_html,
			attachments,
			is_seen,
			is_answered,
			is_flagged,
			is_deleted,
			is_draft,
			is_recent,
			keywords
		FROM messages
		WHERE account_id = $1 AND folder_id = $2 AND uid = $3
	`, accountID, folderID, int64(uid)).Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.FolderID,
		&uidValue,
		&uidValidity,
		&msg.MessageID,
		&msg.InReplyTo,
		&msg.References,
		&msg.ThreadID,
		&msg.Subject,
		&msg.From,
		&msg.To,
		&msg.Cc,
		&msg.Bcc,
		&msg.SentAt,
		&msg.BodyText,
		&msg.BodyHTML,
		&attachments,
		&msg.Flags.Seen,
		&msg.Flags.Answered,
		&msg.Flags.Flagged,
		&msg.Flags.Deleted,
		&msg.Flags.Draft,
		&msg.Flags.Recent,
		&msg.Flags.Keywords,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	msg.UID = uint32(uidValue)
	msg.UIDValidity = uint32(uidValidity)
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}

	return &msg, nil
}

func stringsOrEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func attachmentsOrEmpty(attachments []models.Attachment) []models.Attachment {
	if attachments == nil {
		return []models.Attachment{}
	}
	return attachments
}
