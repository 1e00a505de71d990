// Package event implements the tagged event bodies of the chain guild
// protocol, the chain-linking rules that turn a sequence of bodies into a
// verifiable log, and the canonical hashing/signing digests that make an
// event id and a publish signature reproducible across implementations.
//
// Spam deduplication of semantically identical publishes is explicitly out
// of scope: replaying an identical PUBLISH with the same createdAt produces
// a distinct event because the relay assigns a new seq/prevHash, which
// changes the id. Callers that need idempotent publish must carry their own
// application-level nonce.
package event

import (
	"github.com/chainguild/cgp/crypto"
)

// GuildID identifies a guild: the hex SHA-256 of its genesis event's
// unsigned form.
type GuildID = crypto.Hash

// ChannelID identifies a channel within a guild.
type ChannelID = crypto.Hash

// UserID identifies a user: the hex-encoded compressed secp256k1 public key.
type UserID = crypto.Token

// RoleID and MessageID are opaque client-chosen strings.
type RoleID = string
type MessageID = string

// RetentionMode selects how long MESSAGE events survive in a channel.
type RetentionMode string

const (
	RetentionInfinite      RetentionMode = "infinite"
	RetentionRollingWindow RetentionMode = "rolling-window"
	RetentionTTL           RetentionMode = "ttl"
)

// Retention is a channel's pruning policy.
type Retention struct {
	Mode    RetentionMode `json:"mode"`
	Days    *int          `json:"days,omitempty"`
	Seconds *int          `json:"seconds,omitempty"`
}

func (r Retention) CanonicalValue() any {
	m := map[string]any{"mode": string(r.Mode)}
	if r.Days != nil {
		m["days"] = float64(*r.Days)
	}
	if r.Seconds != nil {
		m["seconds"] = float64(*r.Seconds)
	}
	return m
}

// ChannelKind is the kind of a channel.
type ChannelKind string

const (
	ChannelText          ChannelKind = "text"
	ChannelVoice         ChannelKind = "voice"
	ChannelEphemeralText ChannelKind = "ephemeral-text"
)

// Access controls whether a guild is open to any author or restricted to
// members.
type Access string

const (
	AccessPublic  Access = "public"
	AccessPrivate Access = "private"
)
