package imap

import (
	"context"
	"testing"

	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailsync/internal/testutil"
)

func TestThreadRoots(t *testing.T) {
	tests := []struct {
		name    string
		threads []*sortthread.Thread
		want    map[uint32]uint32
	}{
		{
			name:    "empty",
			threads: nil,
			want:    map[uint32]uint32{},
		},
		{
			name: "singletons",
			threads: []*sortthread.Thread{
				{Id: 1},
				{Id: 2},
			},
			want: map[uint32]uint32{1: 1, 2: 2},
		},
		{
			name: "nested replies share the root",
			threads: []*sortthread.Thread{
				{Id: 3, Children: []*sortthread.Thread{
					{Id: 5, Children: []*sortthread.Thread{{Id: 9}}},
					{Id: 7},
				}},
			},
			want: map[uint32]uint32{3: 3, 5: 3, 7: 3, 9: 3},
		},
		{
			name: "siblings under a missing parent",
			threads: []*sortthread.Thread{
				{Id: 0, Children: []*sortthread.Thread{
					{Id: 4},
					{Id: 6, Children: []*sortthread.Thread{{Id: 8}}},
				}},
			},
			want: map[uint32]uint32{4: 4, 6: 4, 8: 4},
		},
		{
			name: "nil entries are skipped",
			threads: []*sortthread.Thread{
				nil,
				{Id: 2, Children: []*sortthread.Thread{nil}},
			},
			want: map[uint32]uint32{2: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, threadRoots(tt.threads))
		})
	}
}

func TestConn_ServerThreads(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	conn := dialTestServer(t, server)

	t.Run("memory backend does not thread", func(t *testing.T) {
		ok, err := conn.SupportsServerThreads()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("requires a selected mailbox", func(t *testing.T) {
		_, err := conn.ServerThreads(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no mailbox selected")
	})
}
