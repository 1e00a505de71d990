// Package retention runs the relay's two periodic background tasks: TTL /
// rolling-window message pruning and signed state checkpointing, both on a
// 60 second cadence per guild as the teacher's blockchain analogue runs its
// own periodic checksum-commit cycle.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/engine"
	"github.com/chainguild/cgp/protocol/event"
	"github.com/chainguild/cgp/protocol/state"
)

// Interval is the cadence both the prune and checkpoint loops run at.
const Interval = 60 * time.Second

// RelayIdentity is the keypair the checkpoint loop signs CHECKPOINT events
// with; it must match the public key the Engine was built with.
type RelayIdentity struct {
	Token crypto.Token
	Key   crypto.PrivateKey
}

// Loop drives the prune and checkpoint tasks on independent tickers against
// one Engine, until ctx is canceled. Each tick that overlaps with a still-
// running previous tick of the same kind is skipped, per §5's "best-effort,
// skip iterations that overlap."
type Loop struct {
	engine   *engine.Engine
	identity RelayIdentity

	pruning    chan struct{}
	checkpoint chan struct{}
}

// NewLoop builds a retention loop over e, authoring checkpoints as identity.
func NewLoop(e *engine.Engine, identity RelayIdentity) *Loop {
	return &Loop{
		engine:     e,
		identity:   identity,
		pruning:    make(chan struct{}, 1),
		checkpoint: make(chan struct{}, 1),
	}
}

// Run blocks, driving both tickers until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	l.pruning <- struct{}{}
	l.checkpoint <- struct{}{}

	pruneTicker := time.NewTicker(Interval)
	checkpointTicker := time.NewTicker(Interval)
	defer pruneTicker.Stop()
	defer checkpointTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			select {
			case <-l.pruning:
				go func() {
					l.runPrune(ctx)
					l.pruning <- struct{}{}
				}()
			default:
				slog.Warn("retention: skipping prune tick, previous one still running")
			}
		case <-checkpointTicker.C:
			select {
			case <-l.checkpoint:
				go func() {
					l.runCheckpoint(ctx)
					l.checkpoint <- struct{}{}
				}()
			default:
				slog.Warn("retention: skipping checkpoint tick, previous one still running")
			}
		}
	}
}

// runPrune walks every known guild, pruning MESSAGE events whose channel's
// retention policy says they have expired. A failure on one guild is
// logged and does not stop the others, per §4.9.
func (l *Loop) runPrune(ctx context.Context) {
	stats, err := l.engine.Stat()
	if err != nil {
		slog.Error("retention: could not list guilds for prune", "error", err)
		return
	}
	now := time.Now().UnixMilli()
	for _, guild := range stats.GuildIDs {
		if ctx.Err() != nil {
			return
		}
		if err := l.pruneGuild(guild, now); err != nil {
			slog.Error("retention: prune failed for guild", "guild", guild, "error", err)
		}
	}
}

func (l *Loop) pruneGuild(guild event.GuildID, now int64) error {
	s, err := l.engine.StateAt(guild)
	if err != nil {
		return err
	}
	log, err := l.engine.Store().GetLog(guild)
	if err != nil {
		return err
	}
	for _, e := range log {
		msg, ok := e.Body.(event.Message)
		if !ok {
			continue
		}
		ch, ok := s.Channels[msg.ChannelID]
		if !ok || ch.Retention == nil {
			continue
		}
		if !expired(*ch.Retention, e.CreatedAt, now) {
			continue
		}
		if err := l.engine.Store().DeleteEvent(guild, e.Seq); err != nil {
			slog.Error("retention: could not delete expired message", "guild", guild, "seq", e.Seq, "error", err)
			continue
		}
	}
	return nil
}

func expired(r event.Retention, createdAt, now int64) bool {
	switch r.Mode {
	case event.RetentionTTL:
		if r.Seconds == nil {
			return false
		}
		return now-createdAt > int64(*r.Seconds)*1000
	case event.RetentionRollingWindow:
		if r.Days == nil {
			return false
		}
		return now-createdAt > int64(*r.Days)*24*3600*1000
	default:
		return false
	}
}

// runCheckpoint publishes a CHECKPOINT event for every guild whose last
// event is not already one, per §4.9.
func (l *Loop) runCheckpoint(ctx context.Context) {
	stats, err := l.engine.Stat()
	if err != nil {
		slog.Error("retention: could not list guilds for checkpoint", "error", err)
		return
	}
	for _, guild := range stats.GuildIDs {
		if ctx.Err() != nil {
			return
		}
		if err := l.checkpointGuild(guild); err != nil {
			slog.Error("retention: checkpoint failed for guild", "guild", guild, "error", err)
		}
	}
}

func (l *Loop) checkpointGuild(guild event.GuildID) error {
	last, err := l.engine.Store().GetLastEvent(guild)
	if err != nil {
		return err
	}
	if last.Body.Type() == event.TypeCheckpoint {
		return nil
	}

	s, err := l.engine.StateAt(guild)
	if err != nil {
		return err
	}
	serialized, err := state.Serialize(s)
	if err != nil {
		return err
	}
	rootHash := crypto.HashValue(s)

	body := event.Checkpoint{
		GuildID:  guild,
		Seq:      last.Seq + 1,
		RootHash: rootHash.String(),
		State:    serialized,
	}
	createdAt := time.Now().UnixMilli()
	sig := event.Sign(l.identity.Key, body, l.identity.Token, createdAt)
	_, err = l.engine.Publish(body, l.identity.Token, sig, createdAt)
	return err
}
