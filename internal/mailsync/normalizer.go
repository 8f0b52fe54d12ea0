package mailsync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// Normalize turns a fetched message into its canonical record. It is pure:
// the same input always yields an identical Message. ThreadID is left empty
// for ThreadResolver.
func Normalize(accountID, folderID string, uidValidity uint32, raw *models.RawMessage) *models.Message {
	msg := &models.Message{
		ID:          models.MessageKey(accountID, folderID, raw.UID),
		AccountID:   accountID,
		FolderID:    folderID,
		UID:         raw.UID,
		UIDValidity: uidValidity,
		MessageID:   CanonicalMessageID(raw.MessageID),
		InReplyTo:   firstMessageID(raw.InReplyTo),
		Subject:     raw.Subject,
		From:        cloneStrings(raw.From),
		To:          cloneStrings(raw.To),
		Cc:          cloneStrings(raw.Cc),
		Bcc:         cloneStrings(raw.Bcc),
		BodyText:    raw.BodyText,
		BodyHTML:    raw.BodyHTML,
		Flags:       NormalizeFlags(raw.Flags),
	}

	if msg.MessageID == "" {
		msg.MessageID = SynthesizeMessageID(accountID, folderID, uidValidity, raw.UID)
	}

	msg.References = normalizeReferences(raw.References, msg.MessageID)

	switch {
	case !raw.SentAt.IsZero():
		sentAt := raw.SentAt.UTC()
		msg.SentAt = &sentAt
	case !raw.InternalDate.IsZero():
		sentAt := raw.InternalDate.UTC()
		msg.SentAt = &sentAt
	}

	if len(raw.Attachments) > 0 {
		msg.Attachments = append([]models.Attachment(nil), raw.Attachments...)
	}

	return msg
}

// CanonicalMessageID strips whitespace and angle brackets from a Message-ID.
func CanonicalMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// SynthesizeMessageID derives a stable id for a message the server gave none.
func SynthesizeMessageID(accountID, folderID string, uidValidity, uid uint32) string {
	name := fmt.Sprintf("%s/%s/%d/%d", accountID, folderID, uidValidity, uid)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String() + "@mailsync.invalid"
}

// firstMessageID returns the first identifier of an In-Reply-To value.
func firstMessageID(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return CanonicalMessageID(fields[0])
}

func normalizeReferences(refs []string, self string) []string {
	if len(refs) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(refs))
	result := make([]string, 0, len(refs))
	for _, ref := range refs {
		id := CanonicalMessageID(ref)
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// NormalizeFlags maps protocol flags to booleans. Keywords are sorted and de-duplicated.
func NormalizeFlags(flags []string) models.Flags {
	var result models.Flags
	keywords := make(map[string]bool)

	for _, flag := range flags {
		switch strings.ToLower(flag) {
		case `\seen`:
			result.Seen = true
		case `\answered`:
			result.Answered = true
		case `\flagged`:
			result.Flagged = true
		case `\deleted`:
			result.Deleted = true
		case `\draft`:
			result.Draft = true
		case `\recent`:
			result.Recent = true
		default:
			if flag != "" && !strings.HasPrefix(flag, `\`) {
				keywords[flag] = true
			}
		}
	}

	if len(keywords) > 0 {
		result.Keywords = make([]string, 0, len(keywords))
		for keyword := range keywords {
			result.Keywords = append(result.Keywords, keyword)
		}
		sort.Strings(result.Keywords)
	}

	return result
}

func cloneStrings(values []string) []string {
	result := make([]string, len(values))
	copy(result, values)
	return result
}

// sentAtOrZero is used for ordering; messages without a date sort last.
func sentAtOrZero(msg *models.Message) (time.Time, bool) {
	if msg.SentAt == nil {
		return time.Time{}, false
	}
	return *msg.SentAt, true
}
