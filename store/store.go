// Package store provides the abstract, append-only, per-guild event log
// the sequencing engine appends to and reads from.
package store

import (
	"errors"

	"github.com/chainguild/cgp/protocol/event"
)

var (
	ErrGuildNotFound = errors.New("store: guild not found")
	ErrSeqExists     = errors.New("store: event at this seq already exists")
	ErrOutOfOrder    = errors.New("store: append must extend the log by exactly one seq")
	ErrEventNotFound = errors.New("store: event not found at the given seq")
)

// LogStore is a passive sink: it does not itself re-check chain integrity.
// The engine assigns seq and prevHash and verifies the signature before it
// appends.
type LogStore interface {
	// Append appends e to guild's log. e.Seq must be one more than the seq
	// of the last event appended to that guild (0 for a new guild), even if
	// pruning has since removed events; ErrOutOfOrder otherwise.
	Append(guild event.GuildID, e event.Event) error

	// GetLog returns the guild's events in ascending seq order. Returns an
	// empty slice, not an error, for an unknown guild.
	GetLog(guild event.GuildID) ([]event.Event, error)

	// GetLastEvent returns the highest-seq event stored for guild, or
	// ErrGuildNotFound if the guild has no events.
	GetLastEvent(guild event.GuildID) (event.Event, error)

	// GetGuildIDs returns every guild id with at least one stored event.
	GetGuildIDs() ([]event.GuildID, error)

	// DeleteEvent removes a specific event, leaving a gap in seq. Callers
	// must only do this for MESSAGE events. state.FoldLog tolerates the
	// resulting seq gaps; event.ValidateChain rejects them even with
	// allowGaps, at the prevHash check.
	DeleteEvent(guild event.GuildID, seq uint64) error

	Close() error
}
