package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// ParseRawMessage converts a fetched IMAP message to a transport-neutral RawMessage.
// Header fields come from the envelope; bodies, attachments and the
// References header come from the full message body when it was fetched.
func ParseRawMessage(imapMsg *imap.Message) (*models.RawMessage, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	raw := &models.RawMessage{
		UID:          imapMsg.Uid,
		ModSeq:       messageModSeq(imapMsg),
		Flags:        append([]string(nil), imapMsg.Flags...),
		InternalDate: imapMsg.InternalDate,
		Size:         imapMsg.Size,
	}

	if env := imapMsg.Envelope; env != nil {
		raw.MessageID = env.MessageId
		raw.InReplyTo = env.InReplyTo
		raw.Subject = env.Subject
		raw.From = formatAddressList(env.From)
		raw.To = formatAddressList(env.To)
		raw.Cc = formatAddressList(env.Cc)
		raw.Bcc = formatAddressList(env.Bcc)
		raw.SentAt = env.Date
	}

	for _, literal := range imapMsg.Body {
		if literal == nil {
			continue
		}
		body, err := io.ReadAll(literal)
		if err != nil {
			log.Printf("Warning: failed to read body of message UID %d: %v", raw.UID, err)
			return raw, nil
		}
		// Headers and envelope are kept even when the body is malformed.
		if err := parseBody(body, raw); err != nil {
			log.Printf("Warning: failed to parse body of message UID %d: %v", raw.UID, err)
		}
		break
	}

	return raw, nil
}

// parseBody fills bodies, attachments and thread headers from the RFC 5322 message.
func parseBody(body []byte, raw *models.RawMessage) error {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if err == nil {
		h := mail.Header{Header: message.Header{Header: header}}
		raw.References = msgIDList(h, "References")
		if raw.InReplyTo == "" {
			if ids := msgIDList(h, "In-Reply-To"); len(ids) > 0 {
				raw.InReplyTo = ids[0]
			}
		}
		if raw.MessageID == "" {
			if id, idErr := h.MessageID(); idErr == nil {
				raw.MessageID = id
			}
		}
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	raw.BodyText = envelope.Text
	raw.BodyHTML = envelope.HTML
	if raw.BodyHTML == "" && envelope.Text != "" {
		raw.BodyHTML = strings.ReplaceAll(envelope.Text, "\n", "<br>")
	}

	for _, part := range envelope.Attachments {
		raw.Attachments = append(raw.Attachments, toAttachment(part, false))
	}
	for _, part := range envelope.Inlines {
		raw.Attachments = append(raw.Attachments, toAttachment(part, true))
	}

	return nil
}

func toAttachment(part *enmime.Part, inline bool) models.Attachment {
	attachment := models.Attachment{
		Filename:  part.FileName,
		MimeType:  part.ContentType,
		SizeBytes: int64(len(part.Content)),
		IsInline:  inline,
	}
	if part.ContentID != "" {
		attachment.ContentID = part.ContentID
		attachment.IsInline = true
	}
	return attachment
}

// msgIDList parses a header holding a list of message identifiers. Malformed
// values fall back to whitespace splitting so one bad id does not drop the rest.
func msgIDList(h mail.Header, key string) []string {
	ids, err := h.MsgIDList(key)
	if err == nil {
		return ids
	}

	var result []string
	for _, field := range strings.Fields(h.Get(key)) {
		id := strings.Trim(field, "<>,")
		if id != "" {
			result = append(result, id)
		}
	}
	return result
}

// formatAddress formats an IMAP address to a string.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}
