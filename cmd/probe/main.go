// Command probe checks what an IMAP server offers to the sync engine: it
// lists folders, reports CONDSTORE and THREAD support, syncs one folder in
// memory and compares client-side threads with the server's THREAD tree.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/vdavid/vmail/mailsync/internal/imap"
	"github.com/vdavid/vmail/mailsync/internal/mailsync"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// probeAccountID scopes folder and message ids; nothing is persisted.
const probeAccountID = "probe"

type options struct {
	server   string
	username string
	password string
	folder   string
	useTLS   bool
}

func main() {
	_ = godotenv.Load()

	opts, err := loadOptions(os.Getenv)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("Probe failed: %v", err)
	}
	log.Println("Probe completed successfully")
}

func loadOptions(getenv func(string) string) (options, error) {
	opts := options{
		server:   getenv("IMAP_SERVER"),
		username: getenv("IMAP_USER"),
		password: getenv("IMAP_PASSWORD"),
		folder:   getenv("IMAP_FOLDER"),
		useTLS:   getenv("IMAP_INSECURE") != "true",
	}
	if opts.server == "" || opts.username == "" || opts.password == "" {
		return opts, fmt.Errorf("IMAP_SERVER, IMAP_USER, and IMAP_PASSWORD environment variables are required")
	}
	if opts.folder == "" {
		opts.folder = "INBOX"
	}
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	log.Printf("Connecting to %s...", opts.server)
	conn, err := imap.Dial(ctx, opts.server, opts.username, opts.password, opts.useTLS)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := conn.Logout(); err != nil {
			log.Printf("Failed to log out: %v", err)
		}
	}()

	log.Printf("CONDSTORE: %t", conn.SupportsCondStore())

	folders, err := conn.ListFolders(ctx, probeAccountID)
	if err != nil {
		return err
	}
	log.Printf("Found %d folder(s):", len(folders))
	for _, f := range folders {
		log.Printf("  - %s (special use: %q, parent: %q)", f.Path, f.SpecialUse, f.ParentID)
	}

	folder := models.Folder{
		ID:        models.FolderID(probeAccountID, opts.folder),
		AccountID: probeAccountID,
		Path:      opts.folder,
	}

	status, err := conn.Examine(ctx, folder.Path)
	if err != nil {
		return err
	}
	log.Printf("%s: %d messages, uidNext %d, uidValidity %d, highestModSeq %d",
		folder.Path, status.Exists, status.UIDNext, status.UIDValidity, status.HighestModSeq)

	var raws []*models.RawMessage
	if status.Exists > 0 {
		raws, err = conn.FetchUIDRange(ctx, 1, 0)
		if err != nil {
			return err
		}
	}

	messages := make([]*models.Message, 0, len(raws))
	for _, raw := range raws {
		messages = append(messages, mailsync.Normalize(probeAccountID, folder.ID, status.UIDValidity, raw))
	}
	if err := mailsync.NewThreadResolver(nil).Resolve(ctx, probeAccountID, messages); err != nil {
		return err
	}
	log.Printf("Resolved %d message(s) into %d thread(s)", len(messages), countThreads(messages))

	supported, err := conn.SupportsServerThreads()
	if err != nil {
		return err
	}
	if !supported {
		log.Println("Server does not support THREAD=REFERENCES, skipping comparison")
		return nil
	}

	roots, err := conn.ServerThreads(ctx)
	if err != nil {
		return err
	}

	disagree := compareThreads(messages, roots)
	if len(disagree) == 0 {
		log.Println("Client threads match the server's THREAD=REFERENCES result")
		return nil
	}
	log.Printf("Client and server threads disagree on %d message(s): %s", len(disagree), formatUIDs(disagree))
	return nil
}

func countThreads(messages []*models.Message) int {
	threads := make(map[string]bool)
	for _, msg := range messages {
		threads[msg.ThreadID] = true
	}
	return len(threads)
}

// compareThreads returns the sorted UIDs whose client thread holds different
// messages than their server thread. UIDs the server did not thread count as
// threads of their own.
func compareThreads(messages []*models.Message, roots map[uint32]uint32) []uint32 {
	clientGroups := make(map[string][]uint32)
	serverGroups := make(map[uint32][]uint32)
	for _, msg := range messages {
		clientGroups[msg.ThreadID] = append(clientGroups[msg.ThreadID], msg.UID)
		root := serverRoot(roots, msg.UID)
		serverGroups[root] = append(serverGroups[root], msg.UID)
	}

	var disagree []uint32
	for _, msg := range messages {
		client := groupKey(clientGroups[msg.ThreadID])
		server := groupKey(serverGroups[serverRoot(roots, msg.UID)])
		if client != server {
			disagree = append(disagree, msg.UID)
		}
	}
	sort.Slice(disagree, func(i, j int) bool { return disagree[i] < disagree[j] })
	return disagree
}

func serverRoot(roots map[uint32]uint32, uid uint32) uint32 {
	if root, ok := roots[uid]; ok {
		return root
	}
	return uid
}

func groupKey(uids []uint32) string {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return formatUIDs(sorted)
}

func formatUIDs(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = fmt.Sprint(uid)
	}
	return strings.Join(parts, ",")
}
