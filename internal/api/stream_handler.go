package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/vmail/mailsync/internal/mailsync"
	ws "github.com/vdavid/vmail/mailsync/internal/websocket"
)

// shutdownWait bounds flushing the last frames of a finished stream.
const shutdownWait = 5 * time.Second

// StreamRunner is one running live stream.
type StreamRunner interface {
	Run(ctx context.Context) error
	Send(ctx context.Context, cmd mailsync.Command) error
}

// StreamFactory creates the stream of one subscriber.
type StreamFactory func(accountID string, publisher mailsync.Publisher, opts mailsync.StreamOptions) StreamRunner

// StreamHandler serves GET /api/v1/stream as a WebSocket of named events.
type StreamHandler struct {
	newStream StreamFactory
	hub       *ws.Hub
}

// NewStreamHandler creates a new StreamHandler instance.
func NewStreamHandler(newStream StreamFactory, hub *ws.Hub) *StreamHandler {
	return &StreamHandler{newStream: newStream, hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server runs behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection and runs the stream until either side goes away.
func (h *StreamHandler) Handle(w http.ResponseWriter, r *http.Request) {
	accountID, opts, err := parseStreamParams(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("StreamHandler: failed to upgrade connection for account %s: %v", accountID, err)
		return
	}

	publisher := ws.NewPublisher(conn)
	if !h.hub.Register(accountID, publisher) {
		log.Printf("StreamHandler: connection rejected for account %s (max connections exceeded)", accountID)
		_ = publisher.Publish(mailsync.EventError, mailsync.ErrorEvent{Message: "too many connections"})
		publisher.Shutdown(shutdownWait)
		return
	}
	defer h.hub.Unregister(accountID, publisher)

	log.Printf("StreamHandler: stream opened for account %s", accountID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := h.newStream(accountID, publisher, opts)
	go h.readLoop(ctx, conn, publisher, stream)

	if err := stream.Run(ctx); err != nil {
		log.Printf("StreamHandler: stream for account %s failed: %v", accountID, err)
		event := mailsync.ErrorEvent{Message: err.Error(), Kind: mailsync.Classify(err)}
		if pubErr := publisher.Publish(mailsync.EventError, event); pubErr != nil {
			log.Printf("StreamHandler: failed to publish error event: %v", pubErr)
		}
	}

	publisher.Shutdown(shutdownWait)
	log.Printf("StreamHandler: stream closed for account %s", accountID)
}

// readLoop feeds client commands to the stream. A read error means the client
// is gone, which closes the publisher and so ends the stream.
func (h *StreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, publisher *ws.Publisher, stream StreamRunner) {
	defer publisher.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd mailsync.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("StreamHandler: ignoring malformed command: %v", err)
			_ = publisher.Publish(mailsync.EventError, mailsync.ErrorEvent{Message: "malformed command"})
			continue
		}

		if err := stream.Send(ctx, cmd); err != nil {
			return
		}
	}
}

// parseStreamParams reads account, folder, maxSessions, pollInterval and push.
// pollInterval is milliseconds or a duration such as "90s".
func parseStreamParams(query url.Values) (string, mailsync.StreamOptions, error) {
	opts := mailsync.StreamOptions{Push: true}

	accountID := strings.TrimSpace(query.Get("account"))
	if accountID == "" {
		return "", opts, fmt.Errorf("account is required")
	}
	opts.ActiveFolderID = strings.TrimSpace(query.Get("folder"))

	if v := query.Get("maxSessions"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return "", opts, fmt.Errorf("maxSessions must be a non-negative integer")
		}
		opts.MaxSessions = n
	}

	if v := query.Get("pollInterval"); v != "" {
		interval, err := parseInterval(v)
		if err != nil {
			return "", opts, err
		}
		opts.PollInterval = interval
	}

	if v := query.Get("push"); v != "" {
		push, err := strconv.ParseBool(v)
		if err != nil {
			return "", opts, fmt.Errorf("push must be a boolean")
		}
		opts.Push = push
	}

	return accountID, opts, nil
}

func parseInterval(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("pollInterval must be positive")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("pollInterval must be milliseconds or a positive duration")
	}
	return d, nil
}
