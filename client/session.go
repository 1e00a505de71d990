package client

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
	"github.com/chainguild/cgp/wire"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// ErrNotConnected is returned by Session.Subscribe, Unsubscribe and Publish
// when no live connection to the relay currently exists.
var ErrNotConnected = errors.New("client: not connected")

// Session is one reconnecting relay connection. It is returned by Connect
// and stays open for the lifetime of the context passed to it, transparently
// redialing on every disconnect with exponential backoff (base 1s, cap 30s,
// doubling per attempt, reset on a successful HELLO_OK) per §4.8.
type Session struct {
	client *Client
	url    string
	name   string

	mu   sync.Mutex
	conn *Conn
}

// Conn is an alias kept local to avoid exporting wire.Conn from this
// package's public surface; Session only ever holds one at a time.
type Conn = wire.Conn

// Connect dials url and starts the reconnect loop in the background,
// returning immediately with a Session whose Publish method becomes usable
// once the handshake completes. The loop runs until ctx is canceled.
func (c *Client) Connect(ctx context.Context, url, clientName string) *Session {
	s := &Session{client: c, url: url, name: clientName}
	go s.loop(ctx)
	return s
}

func (s *Session) loop(ctx context.Context) {
	backoff := reconnectBase
	for ctx.Err() == nil {
		connected, err := s.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = reconnectBase
		}
		slog.Info("client: relay connection ended, reconnecting", "url", s.url, "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// run dials once and serves frames until the connection drops or ctx is
// canceled. It reports whether a HELLO_OK was ever received, so the caller
// only resets backoff after a connection that actually succeeded.
func (s *Session) run(ctx context.Context) (connected bool, err error) {
	ws, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	conn := wire.NewConn(ws)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.WritePump(connCtx)
	defer func() {
		s.setConn(nil)
		s.client.RemovePeer(conn)
		conn.Close()
	}()

	hello, err := wire.Encode(wire.KindHello, wire.HelloPayload{Protocol: wire.Protocol, ClientName: s.name})
	if err != nil {
		return false, err
	}
	if err := conn.Send(hello); err != nil {
		return false, err
	}

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return connected, err
		}
		switch frame.Kind {
		case wire.KindHelloOK:
			connected = true
			s.setConn(conn)
		case wire.KindSnapshot:
			var p wire.SnapshotPayload
			if err := frame.Decode(&p); err != nil {
				slog.Info("client: malformed SNAPSHOT frame", "error", err)
				continue
			}
			guild := crypto.DecodeHash(p.GuildID)
			if err := s.client.ApplySnapshot(guild, p.Events); err != nil {
				slog.Warn("client: rejected snapshot", "guild", guild, "error", err)
			}
		case wire.KindEvent:
			var e event.Event
			if err := frame.Decode(&e); err != nil {
				slog.Info("client: malformed EVENT frame", "error", err)
				continue
			}
			s.client.ApplyLiveEvent(e)
			s.client.gossip(conn, frame)
		case wire.KindError:
			var p wire.ErrorPayload
			if err := frame.Decode(&p); err == nil {
				slog.Info("client: relay reported error", "code", p.Code, "message", p.Message)
			}
		}
	}
}

func (s *Session) setConn(conn *Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Subscribe sends a SUB frame for guild, requesting catch-up from fromSeq
// (nil for full replay) and a live stream thereafter. It generates the
// subId itself and returns it so the caller can later Unsubscribe.
func (s *Session) Subscribe(guild crypto.Hash, fromSeq *uint64) (subID string, err error) {
	conn, ok := s.liveConn()
	if !ok {
		return "", ErrNotConnected
	}
	subID = uuid.NewString()
	frame, err := wire.Encode(wire.KindSub, wire.SubPayload{SubID: subID, GuildID: guild.String(), FromSeq: fromSeq})
	if err != nil {
		return "", err
	}
	if err := conn.Send(frame); err != nil {
		return "", err
	}
	return subID, nil
}

// Unsubscribe sends an UNSUB frame canceling subID.
func (s *Session) Unsubscribe(subID string) error {
	conn, ok := s.liveConn()
	if !ok {
		return ErrNotConnected
	}
	frame, err := wire.Encode(wire.KindUnsub, wire.UnsubPayload{SubID: subID})
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

// Publish signs body with priv under author's identity and sends it as a
// PUBLISH frame. The resulting seq/prevHash/id are assigned by the relay and
// arrive back as an EVENT frame, not from this call.
func (s *Session) Publish(body event.Body, author crypto.Token, priv crypto.PrivateKey, createdAt int64) error {
	conn, ok := s.liveConn()
	if !ok {
		return ErrNotConnected
	}
	raw, err := event.MarshalJSON(body)
	if err != nil {
		return err
	}
	sig := event.Sign(priv, body, author, createdAt)
	frame, err := wire.Encode(wire.KindPublish, wire.PublishPayload{
		Body:      raw,
		Author:    author.String(),
		Signature: hex.EncodeToString(sig[:]),
		CreatedAt: createdAt,
	})
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

func (s *Session) liveConn() (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.conn != nil
}
