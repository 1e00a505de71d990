package wire

import (
	"log/slog"
	"sync"

	"github.com/chainguild/cgp/protocol/event"
)

// subscription binds one subId on one Conn to a guild's live EVENT stream.
type subscription struct {
	subID   string
	guildID event.GuildID
	conn    *Conn
}

// Registry is the relay's subscription registry: the mapping every open
// socket's subId -> {guildId} that §4.6 calls for, implemented as a
// concurrent map guarded by a short critical section rather than per-guild
// locks, since broadcast reads and SUB/UNSUB/close writes are the only
// contended operations and none of them does I/O while holding the lock.
type Registry struct {
	mu      sync.Mutex
	byGuild map[event.GuildID]map[string]*subscription
}

// NewRegistry returns an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{byGuild: map[event.GuildID]map[string]*subscription{}}
}

// Subscribe registers subId on conn for guild's live events.
func (r *Registry) Subscribe(conn *Conn, subID string, guild event.GuildID) {
	r.mu.Lock()
	subs, ok := r.byGuild[guild]
	if !ok {
		subs = map[string]*subscription{}
		r.byGuild[guild] = subs
	}
	subs[subID] = &subscription{subID: subID, guildID: guild, conn: conn}
	r.mu.Unlock()
	conn.trackSub(subID, guild)
}

// Unsubscribe removes one subscription by id. guild must be the guild it
// was registered under (callers look this up via Conn.allSubs/dropSub).
func (r *Registry) Unsubscribe(guild event.GuildID, subID string) {
	r.mu.Lock()
	if subs, ok := r.byGuild[guild]; ok {
		delete(subs, subID)
	}
	r.mu.Unlock()
}

// RemoveConn drops every subscription owned by conn, called on socket
// close so inactive subscriptions are garbage-collected with the socket
// per §4.6.
func (r *Registry) RemoveConn(conn *Conn) {
	for subID, guild := range conn.allSubs() {
		r.Unsubscribe(guild, subID)
		conn.dropSub(subID)
	}
}

// Broadcast implements engine.Broadcaster: it fans out e as an EVENT frame
// to every subscription registered against guild. Delivery is best-effort
// per §4.5 — a slow or full socket drops the frame, and the log remains
// authoritative; the socket resynchronizes on its next SUB.
func (r *Registry) Broadcast(guild event.GuildID, e event.Event) {
	frame, err := Encode(KindEvent, e)
	if err != nil {
		slog.Error("wire: could not encode EVENT frame", "guild", guild, "error", err)
		return
	}
	r.mu.Lock()
	subs := r.byGuild[guild]
	targets := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	r.mu.Unlock()
	for _, s := range targets {
		if err := s.conn.Send(frame); err != nil {
			slog.Info("wire: dropping broadcast frame", "subId", s.subID, "guild", guild, "error", err)
		}
	}
}
