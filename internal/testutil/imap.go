package testutil

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server listening on a random local port.
// The memory backend has one user, "username" / "password", whose INBOX
// already holds one message.
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
}

// NewTestIMAPServer starts a server and closes it when the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server stopped: %v", err)
		}
	}()

	srv := &TestIMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
	}
	t.Cleanup(srv.Close)
	return srv
}

// Close shuts down the server.
func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the memory backend's user.
func (s *TestIMAPServer) Username() string {
	return "username"
}

// Password returns the memory backend's password.
func (s *TestIMAPServer) Password() string {
	return "password"
}

// Connect opens an authenticated raw client, logged out when the test finishes.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := c.Login(s.Username(), s.Password()); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Logout()
	})
	return c
}

// EnsureFolder creates the folder if it does not exist yet.
func (s *TestIMAPServer) EnsureFolder(t *testing.T, name string) {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Status(name, []imap.StatusItem{imap.StatusMessages}); err == nil {
		return
	}
	if err := c.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// TestMessage describes a message appended with AddMessage.
type TestMessage struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	Date       time.Time
	Body       string
	Flags      []string
}

// AddMessage appends msg to folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder string, msg TestMessage) uint32 {
	t.Helper()

	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	if msg.From == "" {
		msg.From = "from@example.com"
	}
	if msg.To == "" {
		msg.To = "to@example.com"
	}
	if msg.Body == "" {
		msg.Body = "Test message body."
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msg.MessageID)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if msg.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", msg.References)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", msg.From, msg.To, msg.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	return s.AppendRaw(t, folder, msg.Flags, msg.Date, b.String())
}

// AppendRaw appends an RFC 5322 message and returns the UID it was assigned.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folder string, flags []string, date time.Time, raw string) uint32 {
	t.Helper()

	c := s.Connect(t)

	before, err := c.Status(folder, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		t.Fatalf("Failed to get status of %s: %v", folder, err)
	}

	if err := c.Append(folder, flags, date, strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	return before.UidNext
}

// Expunge permanently removes the message with uid from folder.
func (s *TestIMAPServer) Expunge(t *testing.T, folder string, uid uint32) {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, false); err != nil {
		t.Fatalf("Failed to select %s: %v", folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag message as deleted: %v", err)
	}
	if err := c.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}
