package imap

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/commands"
	"github.com/stretchr/testify/assert"
)

func TestChangedSinceFetchCommand(t *testing.T) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(42, 0)

	cmd := (&changedSinceFetch{
		fetch:  &commands.Fetch{SeqSet: seqSet, Items: []imap.FetchItem{imap.FetchUid, imap.FetchFlags}},
		modSeq: 12345,
	}).Command()

	assert.Equal(t, "FETCH", cmd.Name)
	last := cmd.Arguments[len(cmd.Arguments)-1]
	assert.Equal(t, []interface{}{imap.RawString("CHANGEDSINCE"), imap.RawString("12345")}, last)
}

func TestHighestModSeq(t *testing.T) {
	tests := []struct {
		name     string
		status   *imap.MailboxStatus
		expected uint64
	}{
		{name: "nil status", status: nil, expected: 0},
		{name: "absent item", status: &imap.MailboxStatus{Items: map[imap.StatusItem]interface{}{}}, expected: 0},
		{name: "string atom", status: &imap.MailboxStatus{Items: map[imap.StatusItem]interface{}{statusHighestModSeq: "9007199254740993"}}, expected: 9007199254740993},
		{name: "number", status: &imap.MailboxStatus{Items: map[imap.StatusItem]interface{}{statusHighestModSeq: uint32(77)}}, expected: 77},
		{name: "garbage", status: &imap.MailboxStatus{Items: map[imap.StatusItem]interface{}{statusHighestModSeq: "abc"}}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, highestModSeq(tt.status))
		})
	}
}

func TestMessageModSeq(t *testing.T) {
	msg := &imap.Message{Items: map[imap.FetchItem]interface{}{fetchModSeq: []interface{}{"624140003"}}}
	assert.Equal(t, uint64(624140003), messageModSeq(msg))

	assert.Equal(t, uint64(0), messageModSeq(&imap.Message{}))
	assert.Equal(t, uint64(0), messageModSeq(&imap.Message{Items: map[imap.FetchItem]interface{}{fetchModSeq: []interface{}{}}}))
}
