package wire

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/engine"
	"github.com/chainguild/cgp/protocol/event"
)

// Server is the relay's WebSocket endpoint: it accepts connections, runs the
// HELLO handshake, and dispatches SUB/UNSUB/PUBLISH frames to the engine and
// subscription registry for the lifetime of the socket.
type Server struct {
	Engine       *engine.Engine
	Registry     *Registry
	RelayName    string
	RelayVersion string
}

// NewServer builds a Server over a running Engine.
func NewServer(e *engine.Engine, name, version string) *Server {
	return &Server{Engine: e, Registry: NewRegistry(), RelayName: name, RelayVersion: version}
}

// ServeHTTP upgrades the request to a WebSocket and serves frames on it
// until the socket closes. One goroutine reads frames; since each read is
// fully handled before the next Read call, frame handling is serialized per
// socket, as §5 requires.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Info("wire: accept failed", "error", err)
		return
	}
	s.Serve(r.Context(), ws)
}

// Serve runs the per-connection protocol loop over an already-accepted
// WebSocket. Exposed separately from ServeHTTP so tests and non-HTTP
// embedders (e.g. an in-process pipe) can drive it directly.
func (s *Server) Serve(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.WritePump(ctx)
	defer func() {
		s.Registry.RemoveConn(conn)
		conn.Close()
	}()

	helloed := false
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		if !helloed {
			if frame.Kind != KindHello {
				s.sendError(conn, ErrUnsupportedProtocol, "first frame must be HELLO")
				continue
			}
			if !s.handleHello(conn, frame) {
				continue
			}
			helloed = true
			continue
		}
		s.handle(conn, frame)
	}
}

func (s *Server) handleHello(conn *Conn, frame Frame) bool {
	var p HelloPayload
	if err := frame.Decode(&p); err != nil {
		s.sendError(conn, ErrInvalidFrame, "malformed HELLO payload")
		return false
	}
	if p.Protocol != Protocol {
		s.sendError(conn, ErrUnsupportedProtocol, "unsupported protocol "+p.Protocol)
		return false
	}
	ok, err := Encode(KindHelloOK, HelloOKPayload{Protocol: Protocol, RelayName: s.RelayName, RelayVersion: s.RelayVersion})
	if err != nil {
		return false
	}
	return conn.Send(ok) == nil
}

// handle dispatches one post-handshake frame. A panic here is recovered,
// logged, and surfaced as INTERNAL_ERROR rather than tearing the socket or
// engine down, per §7.
func (s *Server) handle(conn *Conn, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("wire: recovered from panic handling frame", "kind", frame.Kind, "error", r)
			s.sendError(conn, ErrInternalError, "internal error")
		}
	}()
	switch frame.Kind {
	case KindSub:
		s.handleSub(conn, frame)
	case KindUnsub:
		s.handleUnsub(conn, frame)
	case KindPublish:
		s.handlePublish(conn, frame)
	default:
		s.sendError(conn, ErrInvalidFrame, "unexpected frame kind "+string(frame.Kind))
	}
}

func (s *Server) handleSub(conn *Conn, frame Frame) {
	var p SubPayload
	if err := frame.Decode(&p); err != nil {
		s.sendError(conn, ErrInvalidFrame, "malformed SUB payload")
		return
	}
	guild := crypto.DecodeHash(p.GuildID)
	log, err := s.Engine.Snapshot(guild)
	if err != nil {
		s.sendError(conn, ErrInternalError, "could not read guild log")
		return
	}

	var endSeq uint64
	if len(log) > 0 {
		endSeq = log[len(log)-1].Seq
	}

	events := log
	if p.FromSeq != nil {
		events = filterFromSeq(log, *p.FromSeq)
	}
	if p.Limit != nil && *p.Limit >= 0 && len(events) > *p.Limit {
		events = events[:*p.Limit]
	}

	snap, err := Encode(KindSnapshot, SnapshotPayload{SubID: p.SubID, GuildID: p.GuildID, Events: events, EndSeq: endSeq})
	if err != nil {
		s.sendError(conn, ErrInternalError, "could not encode snapshot")
		return
	}
	if conn.Send(snap) != nil {
		return
	}
	s.Registry.Subscribe(conn, p.SubID, guild)
}

func filterFromSeq(log []event.Event, fromSeq uint64) []event.Event {
	for i, e := range log {
		if e.Seq >= fromSeq {
			return log[i:]
		}
	}
	return nil
}

func (s *Server) handleUnsub(conn *Conn, frame Frame) {
	var p UnsubPayload
	if err := frame.Decode(&p); err != nil {
		s.sendError(conn, ErrInvalidFrame, "malformed UNSUB payload")
		return
	}
	for subID, guild := range conn.allSubs() {
		if subID == p.SubID {
			s.Registry.Unsubscribe(guild, subID)
			conn.dropSub(subID)
			return
		}
	}
}

func (s *Server) handlePublish(conn *Conn, frame Frame) {
	var p PublishPayload
	if err := frame.Decode(&p); err != nil {
		s.sendError(conn, ErrInvalidFrame, "malformed PUBLISH payload")
		return
	}
	body, err := event.UnmarshalBody(p.Body)
	if err != nil {
		s.sendError(conn, ErrInvalidFrame, "malformed event body")
		return
	}
	author := crypto.DecodeToken(p.Author)
	sig, err := decodeSignature(p.Signature)
	if err != nil {
		s.sendError(conn, ErrInvalidFrame, "malformed signature encoding")
		return
	}

	sealed, err := s.Engine.Publish(body, author, sig, p.CreatedAt)
	if err != nil {
		ierr, ok := err.(*engine.IngestError)
		if !ok {
			s.sendError(conn, ErrInternalError, err.Error())
			return
		}
		s.sendError(conn, ErrorCode(ierr.Code), ierr.Message)
		return
	}

	// Echo the sealed event back to the publisher directly. The registry
	// broadcast (triggered inside Engine.Publish) independently reaches
	// every subscriber of this guild, the publisher included if already
	// subscribed; the client replica's id-based dedup makes a double
	// delivery harmless.
	evFrame, err := Encode(KindEvent, sealed)
	if err != nil {
		return
	}
	conn.Send(evFrame)
}

func (s *Server) sendError(conn *Conn, code ErrorCode, message string) {
	frame, err := Encode(KindError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		slog.Error("wire: could not encode ERROR frame", "error", err)
		return
	}
	conn.Send(frame)
}

func decodeSignature(hexSig string) (crypto.Signature, error) {
	var sig crypto.Signature
	raw, err := hex.DecodeString(hexSig)
	if err != nil || len(raw) != len(sig) {
		return sig, crypto.ErrInvalidSignature
	}
	copy(sig[:], raw)
	return sig, nil
}
