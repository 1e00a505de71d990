package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/chainguild/cgp/protocol/event"
)

// ErrConnClosed is returned by Send once the connection has been closed.
var ErrConnClosed = errors.New("wire: connection closed")

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
)

// Conn wraps one WebSocket connection. Frame handling is serialized per
// socket: Server.Serve reads a frame with ReadFrame and handles it to
// completion before reading the next, so no two frames from the same connection are
// ever in flight at once. WritePump owns the only goroutine that calls
// conn.Write, the one concurrent-writer nhooyr.io/websocket requires.
type Conn struct {
	ws *websocket.Conn

	send chan Frame
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]event.GuildID // subId -> guildId, for GC on close
}

// NewConn wraps an accepted *websocket.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan Frame, sendBufferSize),
		done: make(chan struct{}),
		subs: map[string]event.GuildID{},
	}
}

// Send enqueues a frame for delivery. It never blocks: a full send buffer
// means a slow/stuck socket, and per §4.5's broadcast semantics delivery is
// best-effort, so the frame is dropped rather than backing up the caller.
func (c *Conn) Send(f Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		slog.Warn("wire: dropping frame, send buffer full")
		return nil
	}
}

// WritePump drains the send channel to the socket. It owns the only writer
// goroutine for this connection.
func (c *Conn) WritePump(ctx context.Context) {
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			raw, err := json.Marshal(f)
			if err != nil {
				slog.Error("wire: could not marshal outgoing frame", "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err = c.ws.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReadFrame reads and decodes one frame, blocking until the next message
// arrives or the connection closes.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close shuts the connection down and stops WritePump. Safe to call more
// than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

func (c *Conn) trackSub(subID string, guild event.GuildID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subID] = guild
}

func (c *Conn) dropSub(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subID)
}

// allSubs returns a snapshot of this connection's live subscriptions, used
// to garbage-collect them from the registry on close.
func (c *Conn) allSubs() map[string]event.GuildID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]event.GuildID, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}
