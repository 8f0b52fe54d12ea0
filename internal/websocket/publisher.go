package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// queueSize is the number of frames buffered per subscriber.
	queueSize = 64
)

var (
	// ErrPublisherClosed is returned by Publish once the connection is gone.
	ErrPublisherClosed = errors.New("publisher closed")
	// ErrQueueFull is returned by TryPublish when the queue has no room.
	ErrQueueFull = errors.New("publisher queue full")
)

// Frame is one event on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Publisher writes events to one WebSocket subscriber in publish order.
// A single goroutine owns all writes; a failed write closes the connection.
type Publisher struct {
	conn  *websocket.Conn
	queue chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher starts the writer for conn.
func NewPublisher(conn *websocket.Conn) *Publisher {
	p := &Publisher{
		conn:  conn,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// Publish queues an event. It blocks while the queue is full.
func (p *Publisher) Publish(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return ErrPublisherClosed
	default:
	}

	select {
	case p.queue <- frame:
		return nil
	case <-p.done:
		return ErrPublisherClosed
	}
}

// TryPublish queues an event without waiting. It returns ErrQueueFull when the
// subscriber has fallen a full queue behind.
func (p *Publisher) TryPublish(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return ErrPublisherClosed
	default:
	}

	select {
	case p.queue <- frame:
		return nil
	case <-p.done:
		return ErrPublisherClosed
	default:
		return ErrQueueFull
	}
}

func encodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return frame, nil
}

// Done is closed when the publisher is closed.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// Close stops the writer and closes the connection. Safe to call more than once.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = p.conn.Close()
	})
}

// Shutdown writes the frames queued so far and then closes. It closes
// immediately once timeout elapses.
func (p *Publisher) Shutdown(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A nil frame marks the end of the queue for the writer.
	select {
	case p.queue <- nil:
	case <-p.done:
		return
	case <-timer.C:
		p.Close()
		return
	}

	select {
	case <-p.done:
	case <-timer.C:
		p.Close()
	}
}

func (p *Publisher) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.queue:
			if frame == nil {
				p.Close()
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("websocket: failed to write frame, closing: %v", err)
				p.Close()
				return
			}
		}
	}
}
