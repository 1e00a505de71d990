// Package client implements the guild-chat client replica (C8): a local
// mirror of every subscribed guild's state built by folding the same
// reducer the relay runs, deduplicated by event id, gap-aware, and able to
// gossip-forward raw frames across peer sockets when the client is also
// acting as a P2P relay for other clients.
package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
	"github.com/chainguild/cgp/protocol/state"
	"github.com/chainguild/cgp/wire"
)

const (
	seenCapacity = 1000
	seenEvictTo  = 900
)

// Listener is a domain callback invoked for every event the client applies,
// from either a SNAPSHOT fold or a live EVENT frame.
type Listener func(guild event.GuildID, e event.Event)

// Pin is the highest (seq, hash) pair ever observed for a guild. Per the
// open question in SPEC_FULL §9 (event id covers seq/prevHash, but the
// author's signature does not), a malicious or buggy relay could otherwise
// rewrite history for an event this client has not re-verified; pinning the
// highest observed position and refusing any replacement at that exact seq
// with a different hash closes that gap without requiring the relay's
// cooperation.
type Pin struct {
	Seq  uint64
	Hash crypto.Hash
}

// Client is a local replica of every guild the caller has subscribed to.
// All exported methods are safe for concurrent use.
type Client struct {
	mu     sync.Mutex
	states map[event.GuildID]state.GuildState
	pins   map[event.GuildID]Pin

	seenMu    sync.Mutex
	seen      map[crypto.Hash]struct{}
	seenOrder []crypto.Hash

	listenersMu sync.Mutex
	listeners   []Listener

	peersMu sync.Mutex
	peers   map[*wire.Conn]struct{}
}

// New returns an empty client replica with no subscriptions.
func New() *Client {
	return &Client{
		states: map[event.GuildID]state.GuildState{},
		pins:   map[event.GuildID]Pin{},
		seen:   map[crypto.Hash]struct{}{},
		peers:  map[*wire.Conn]struct{}{},
	}
}

// OnEvent registers a listener invoked for every event the client applies.
func (c *Client) OnEvent(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

func (c *Client) emit(guild event.GuildID, e event.Event) {
	c.listenersMu.Lock()
	ls := append([]Listener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range ls {
		l(guild, e)
	}
}

// State returns the client's current local replica of guild's state, if any
// event for that guild has been applied yet.
func (c *Client) State(guild event.GuildID) (state.GuildState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[guild]
	return s, ok
}

// PinOf returns the highest (seq, hash) ever observed for guild.
func (c *Client) PinOf(guild event.GuildID) (Pin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pins[guild]
	return p, ok
}

// markSeen reports whether id has not been seen before, recording it in the
// bounded FIFO (capacity 1000, evicting to 900 on overflow per §4.8).
func (c *Client) markSeen(id crypto.Hash) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenCapacity {
		evict := len(c.seenOrder) - seenEvictTo
		for _, old := range c.seenOrder[:evict] {
			delete(c.seen, old)
		}
		c.seenOrder = append([]crypto.Hash(nil), c.seenOrder[evict:]...)
	}
	return true
}

// SeenCount reports the current size of the dedup FIFO, used by tests to
// assert the cap in §8's "dedup bound" property.
func (c *Client) SeenCount() int {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return len(c.seenOrder)
}

// checkPin reports whether advancing to (seq, hash) for guild is consistent
// with any prior pin. A replacement at the exact pinned seq with a
// different hash is rejected; anything else (a new higher seq, or a seq
// that simply repeats the already-pinned value) is accepted and may update
// the pin.
func (c *Client) checkPin(guild event.GuildID, seq uint64, hash crypto.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pins[guild]
	if ok && seq == p.Seq && !hash.Equal(p.Hash) {
		return false
	}
	if !ok || seq >= p.Seq {
		c.pins[guild] = Pin{Seq: seq, Hash: hash}
	}
	return true
}

// ApplyLiveEvent processes one inbound EVENT frame: dedup, signature
// verification, gap detection, pin enforcement, and reducer application, in
// that order, mirroring §4.8/§7 exactly. A failure at any step is logged
// and the event is silently dropped, never surfaced to the application,
// because it may indicate a relay bug or a malicious peer rather than
// something the caller can act on.
func (c *Client) ApplyLiveEvent(e event.Event) {
	if !c.markSeen(e.ID) {
		return
	}
	if !e.VerifySignature() {
		slog.Info("client: dropping event with invalid signature", "id", e.ID)
		return
	}
	guild := e.Body.GuildScope()

	c.mu.Lock()
	s, known := c.states[guild]
	c.mu.Unlock()
	if !known {
		slog.Info("client: event for unsubscribed/unknown guild, awaiting snapshot", "guild", guild)
		return
	}
	if e.Seq != s.HeadSeq+1 || e.PrevHash == nil || !e.PrevHash.Equal(s.HeadHash) {
		slog.Info("client: gap detected, awaiting snapshot", "guild", guild, "seq", e.Seq, "headSeq", s.HeadSeq)
		return
	}
	if !c.checkPin(guild, e.Seq, e.ID) {
		slog.Warn("client: relay attempted to replace a pinned event, dropping", "guild", guild, "seq", e.Seq)
		return
	}
	next, err := state.ApplyEvent(s, e)
	if err != nil {
		slog.Warn("client: reducer rejected event", "guild", guild, "error", err)
		return
	}
	c.mu.Lock()
	c.states[guild] = next
	c.mu.Unlock()
	c.emit(guild, e)
}

// ApplySnapshot fully replaces guild's state by folding events from genesis,
// per §4.8. It rejects a snapshot that would silently overwrite an
// already-pinned seq with a different hash.
func (c *Client) ApplySnapshot(guild event.GuildID, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if p, ok := c.PinOf(guild); ok {
		for _, e := range events {
			if e.Seq == p.Seq && !e.ID.Equal(p.Hash) {
				return fmt.Errorf("client: snapshot contradicts pinned event at seq %d for guild %s", e.Seq, guild)
			}
		}
	}
	folded, err := state.FoldLog(events)
	if err != nil {
		return fmt.Errorf("client: could not fold snapshot: %w", err)
	}
	for _, e := range events {
		c.markSeen(e.ID)
	}
	c.mu.Lock()
	c.states[guild] = folded
	c.mu.Unlock()
	c.checkPin(guild, folded.HeadSeq, folded.HeadHash)
	for _, e := range events {
		c.emit(guild, e)
	}
	return nil
}

// AddPeer registers a peer socket this client also serves (P2P gossip
// mode): inbound frames received from a relay are forwarded to every peer
// other than the one that sent them.
func (c *Client) AddPeer(conn *wire.Conn) {
	c.peersMu.Lock()
	c.peers[conn] = struct{}{}
	c.peersMu.Unlock()
}

// RemovePeer unregisters a peer socket, e.g. on its close.
func (c *Client) RemovePeer(conn *wire.Conn) {
	c.peersMu.Lock()
	delete(c.peers, conn)
	c.peersMu.Unlock()
}

// gossip forwards frame to every registered peer other than sender (which
// may be nil, e.g. when the frame originated locally).
func (c *Client) gossip(sender *wire.Conn, frame wire.Frame) {
	c.peersMu.Lock()
	targets := make([]*wire.Conn, 0, len(c.peers))
	for p := range c.peers {
		if p != sender {
			targets = append(targets, p)
		}
	}
	c.peersMu.Unlock()
	for _, p := range targets {
		if err := p.Send(frame); err != nil {
			slog.Info("client: could not gossip frame to peer", "error", err)
		}
	}
}
