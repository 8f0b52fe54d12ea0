package imap

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
)

// CONDSTORE (RFC 7162) items go-imap v1 does not model natively.
const (
	statusHighestModSeq imap.StatusItem = "HIGHESTMODSEQ"
	fetchModSeq         imap.FetchItem  = "MODSEQ"
)

// changedSinceFetch is a FETCH command carrying the CHANGEDSINCE modifier.
type changedSinceFetch struct {
	fetch  *commands.Fetch
	modSeq uint64
}

func (cmd *changedSinceFetch) Command() *imap.Command {
	c := cmd.fetch.Command()
	c.Arguments = append(c.Arguments, []interface{}{
		imap.RawString("CHANGEDSINCE"),
		imap.RawString(strconv.FormatUint(cmd.modSeq, 10)),
	})
	return c
}

// uidFetchChangedSince runs UID FETCH seqSet items (CHANGEDSINCE modSeq).
func uidFetchChangedSince(c commander, seqSet *imap.SeqSet, items []imap.FetchItem, modSeq uint64, ch chan *imap.Message) error {
	defer close(ch)

	cmd := &commands.Uid{
		Cmd: &changedSinceFetch{
			fetch:  &commands.Fetch{SeqSet: seqSet, Items: items},
			modSeq: modSeq,
		},
	}
	res := &responses.Fetch{Messages: ch, SeqSet: seqSet, Uid: true}

	status, err := c.Execute(cmd, res)
	if err != nil {
		return err
	}
	return status.Err()
}

// commander is the subset of *client.Client used to run raw commands.
type commander interface {
	Execute(cmdr imap.Commander, h responses.Handler) (*imap.StatusResp, error)
}

// highestModSeq extracts HIGHESTMODSEQ from a STATUS response, 0 when absent.
func highestModSeq(status *imap.MailboxStatus) uint64 {
	if status == nil || status.Items == nil {
		return 0
	}
	value, ok := status.Items[statusHighestModSeq]
	if !ok {
		return 0
	}
	n, err := parseModSeq(value)
	if err != nil {
		return 0
	}
	return n
}

// messageModSeq extracts the MODSEQ fetch item, 0 when absent.
func messageModSeq(msg *imap.Message) uint64 {
	if msg == nil || msg.Items == nil {
		return 0
	}
	value, ok := msg.Items[fetchModSeq]
	if !ok {
		return 0
	}
	// MODSEQ is returned as a parenthesized list: MODSEQ (12345)
	if list, ok := value.([]interface{}); ok {
		if len(list) == 0 {
			return 0
		}
		value = list[0]
	}
	n, err := parseModSeq(value)
	if err != nil {
		return 0
	}
	return n
}

func parseModSeq(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case string:
		return strconv.ParseUint(v, 10, 64)
	case imap.RawString:
		return strconv.ParseUint(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected mod-sequence value %T", value)
	}
}
