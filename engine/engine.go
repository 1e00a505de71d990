// Package engine implements the relay's sequencing engine: per-guild
// serialized ingest that assigns seq/prevHash, verifies signatures, runs the
// state reducer and validator, appends to storage, and fans out the
// resulting event to subscribers.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
	"github.com/chainguild/cgp/protocol/state"
	"github.com/chainguild/cgp/store"
)

// Code is a machine-checkable disposition for a rejected publish, mirrored
// onto the wire as an ERROR frame's code by the wire package.
type Code string

const (
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeInternalError    Code = "INTERNAL_ERROR"
)

// IngestError is returned by Publish for every rejected publish. Message is
// the structured, machine-checkable reason (e.g. "permission: author lacks
// admin/owner role") callers may match on.
type IngestError struct {
	Code    Code
	Message string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidSignature() *IngestError {
	return &IngestError{Code: CodeInvalidSignature, Message: "signature does not verify over {body,author,createdAt}"}
}

func validationFailed(reason string) *IngestError {
	return &IngestError{Code: CodeValidationFailed, Message: reason}
}

func internalError(reason string) *IngestError {
	return &IngestError{Code: CodeInternalError, Message: reason}
}

// Broadcaster fans out a newly appended event to every subscriber of its
// guild. Implemented by the wire package's subscription registry.
type Broadcaster interface {
	Broadcast(guild event.GuildID, e event.Event)
}

// noopBroadcaster is the default when an Engine is built with a nil
// Broadcaster, as the retention package's tests do.
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(event.GuildID, event.Event) {}

// Engine is the per-relay sequencing engine. One Engine instance owns one
// LogStore and serializes ingest per guild via a lazily-created, never
// removed per-guild mutex, per the design note on lock lifetime.
type Engine struct {
	store       store.LogStore
	broadcaster Broadcaster
	relayKey    crypto.Token

	locksMu sync.Mutex
	locks   map[event.GuildID]*sync.Mutex

	cacheMu sync.Mutex
	cache   map[event.GuildID]state.GuildState
}

// New builds an Engine backed by s. relayKey is the public key CHECKPOINT
// events must be authored by; broadcaster may be nil, in which case
// broadcasts are silently dropped (used by callers that only want ingest,
// e.g. the retention loop exercising Engine directly in tests).
func New(s store.LogStore, relayKey crypto.Token, broadcaster Broadcaster) *Engine {
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	return &Engine{
		store:       s,
		broadcaster: broadcaster,
		relayKey:    relayKey,
		locks:       map[event.GuildID]*sync.Mutex{},
		cache:       map[event.GuildID]state.GuildState{},
	}
}

func (e *Engine) guildLock(guild event.GuildID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[guild]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[guild] = lock
	}
	return lock
}

// invalidateCache forces the next ingest for guild to rebuild from storage,
// used when a storage write fails after the cache may have tentatively
// advanced.
func (e *Engine) invalidateCache(guild event.GuildID) {
	e.cacheMu.Lock()
	delete(e.cache, guild)
	e.cacheMu.Unlock()
}

func (e *Engine) cachedState(guild event.GuildID) (state.GuildState, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	s, ok := e.cache[guild]
	return s, ok
}

func (e *Engine) setCachedState(guild event.GuildID, s state.GuildState) {
	e.cacheMu.Lock()
	e.cache[guild] = s
	e.cacheMu.Unlock()
}

// rebuildState folds guild's full stored log through the reducer. It is the
// correctness fallback whenever the cache is missing, cold, or behind, per
// §4.5: "the cache is a correctness shortcut, not an authority."
func (e *Engine) rebuildState(guild event.GuildID) (state.GuildState, error) {
	log, err := e.store.GetLog(guild)
	if err != nil {
		return state.GuildState{}, err
	}
	if len(log) == 0 {
		return state.GuildState{}, store.ErrGuildNotFound
	}
	return state.FoldLog(log)
}

// stateFor returns the state at guild's current head, using the cache when
// it is exactly at head and rebuilding otherwise. Must be called while
// holding guild's lock.
func (e *Engine) stateFor(guild event.GuildID, headSeq uint64) (state.GuildState, error) {
	if cached, ok := e.cachedState(guild); ok && cached.HeadSeq == headSeq {
		return cached, nil
	}
	rebuilt, err := e.rebuildState(guild)
	if err != nil {
		return state.GuildState{}, err
	}
	e.setCachedState(guild, rebuilt)
	return rebuilt, nil
}

// Publish runs one event through the full ingest pipeline: head read, seq
// assignment, signature verification, state lookup/rebuild, validation,
// append, cache update, broadcast. It holds the guild's lock for the entire
// duration, as required by §4.5/§5 — every step here is a suspension point
// and the lock exists to protect the head read/append race across them.
//
// A panic anywhere in this pipeline is recovered, logged, and surfaced as an
// INTERNAL_ERROR, matching §7's "no error is fatal to the server."
func (e *Engine) Publish(body event.Body, author crypto.Token, signature crypto.Signature, createdAt int64) (result event.Event, resultErr error) {
	guild := body.GuildScope()
	lock := e.guildLock(guild)
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine: recovered from panic during ingest", "guild", guild, "error", r)
			result = event.Event{}
			resultErr = internalError(fmt.Sprintf("panic during ingest: %v", r))
		}
	}()

	last, err := e.store.GetLastEvent(guild)
	cold := errors.Is(err, store.ErrGuildNotFound)
	if err != nil && !cold {
		return event.Event{}, internalError(fmt.Sprintf("read head: %v", err))
	}

	var seq uint64
	var prevHash *crypto.Hash
	if cold {
		if body.Type() != event.TypeGuildCreate {
			return event.Event{}, validationFailed("first event of an unknown guild must be GUILD_CREATE")
		}
		seq = 0
		prevHash = nil
	} else {
		seq = last.Seq + 1
		id := last.ID
		prevHash = &id
	}

	if !author.Verify(event.SigningDigest(body, author, createdAt), signature) {
		return event.Event{}, invalidSignature()
	}

	e2 := event.Seal(body, author, createdAt, signature, seq, prevHash)

	if cold {
		gc, ok := body.(event.GuildCreate)
		if !ok || !gc.GuildID.Equal(e2.ID) {
			return event.Event{}, validationFailed("GUILD_CREATE.guildId must equal the event's own id")
		}
	} else {
		if body.GuildScope() != guild && body.Type() != event.TypeCheckpoint {
			return event.Event{}, validationFailed("body.guildId does not match the event's guild")
		}
		if body.Type() == event.TypeCheckpoint && !author.Equal(e.relayKey) {
			return event.Event{}, validationFailed("permission: CHECKPOINT must be authored by the configured relay key")
		}
	}

	var s state.GuildState
	if cold {
		s, err = state.CreateInitialState(e2)
		if err != nil {
			return event.Event{}, validationFailed(err.Error())
		}
	} else {
		s, err = e.stateFor(guild, last.Seq)
		if err != nil {
			return event.Event{}, internalError(fmt.Sprintf("rebuild state: %v", err))
		}
		if err := state.Validate(s, e2); err != nil {
			return event.Event{}, validationFailed(fmt.Sprintf("permission: %v", err))
		}
		s, err = state.ApplyEvent(s, e2)
		if err != nil {
			return event.Event{}, validationFailed(err.Error())
		}
	}

	if err := e.store.Append(guild, e2); err != nil {
		e.invalidateCache(guild)
		return event.Event{}, internalError(fmt.Sprintf("append: %v", err))
	}
	e.setCachedState(guild, s)

	e.broadcaster.Broadcast(guild, e2)
	return e2, nil
}

// Snapshot returns the full known log for guild, in ascending seq order, for
// a SUB's initial catch-up sync. An unknown guild yields an empty slice, not
// an error, per §7's "subscription target unknown" disposition.
func (e *Engine) Snapshot(guild event.GuildID) ([]event.Event, error) {
	return e.store.GetLog(guild)
}

// Stats exposes guild enumeration and per-guild head information for the
// retention loop and for operational tooling, without adding any network
// surface (per SPEC_FULL §10, the HTTP admin surface stays out of scope).
type Stats struct {
	GuildIDs []event.GuildID
}

// Stat returns the set of guilds known to the store.
func (e *Engine) Stat() (Stats, error) {
	ids, err := e.store.GetGuildIDs()
	if err != nil {
		return Stats{}, err
	}
	return Stats{GuildIDs: ids}, nil
}

// Store exposes the underlying LogStore, used by the retention loop to
// delete pruned MESSAGE events and by tests.
func (e *Engine) Store() store.LogStore {
	return e.store
}

// RelayKey returns the configured relay identity, used by the checkpoint
// loop to author CHECKPOINT events through this same Engine.
func (e *Engine) RelayKey() crypto.Token {
	return e.relayKey
}

// StateAt returns the current reduced state of guild, rebuilding from
// storage if the cache is stale. Used by the retention/checkpoint loop and
// by tests; it takes the guild's lock like Publish does; errors.Is on the
// returned error with store.ErrGuildNotFound distinguishes "no such guild"
// from a rebuild failure.
func (e *Engine) StateAt(guild event.GuildID) (state.GuildState, error) {
	lock := e.guildLock(guild)
	lock.Lock()
	defer lock.Unlock()
	last, err := e.store.GetLastEvent(guild)
	if err != nil {
		return state.GuildState{}, err
	}
	return e.stateFor(guild, last.Seq)
}
