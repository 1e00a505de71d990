package state

import (
	"errors"

	"github.com/chainguild/cgp/protocol/event"
)

var (
	ErrNotPrivileged   = errors.New("state: author lacks owner/admin standing for this event type")
	ErrUnknownChannel  = errors.New("state: message references an unknown channel")
	ErrAuthorBanned    = errors.New("state: author is banned from this guild")
	ErrNotAMember      = errors.New("state: private guild requires membership to publish")
	ErrGenesisConflict = errors.New("state: a GUILD_CREATE may only appear at seq 0")
)

// Validate is the permission/eligibility predicate the engine runs between
// signature verification and append. It assumes e.Seq > s.HeadSeq and
// e.Body.GuildScope() == s.GuildID have already been checked (ApplyEvent
// checks both); Validate only adds the standing/eligibility rules.
func Validate(s GuildState, e event.Event) error {
	if e.Body.Type() == event.TypeGuildCreate {
		return ErrGenesisConflict
	}
	if event.IsPrivileged(e.Body.Type()) {
		if !hasStanding(s, e.Author, "owner", "admin") {
			return ErrNotPrivileged
		}
		return nil
	}
	if msg, ok := messageBody(e.Body); ok {
		if _, known := s.Channels[msg.channelID]; !known {
			return ErrUnknownChannel
		}
		if _, banned := s.Bans[e.Author]; banned {
			return ErrAuthorBanned
		}
		if s.Access == event.AccessPrivate {
			if _, member := s.Members[e.Author]; !member {
				return ErrNotAMember
			}
		}
	}
	return nil
}

func hasStanding(s GuildState, author event.UserID, roles ...string) bool {
	if author == s.OwnerID {
		return true
	}
	member, ok := s.Members[author]
	if !ok {
		return false
	}
	for _, role := range roles {
		if _, has := member.Roles[role]; has {
			return true
		}
	}
	return false
}

type messageLike struct {
	channelID event.ChannelID
}

// messageBody extracts the channelId the eligibility check applies to.
// Scoped to MESSAGE only: EDIT_MESSAGE, DELETE_MESSAGE, FORK_FROM, and
// CHECKPOINT are unrestricted beyond the chain rules already enforced by
// ApplyEvent/ValidateChain.
func messageBody(b event.Body) (messageLike, bool) {
	switch v := b.(type) {
	case event.Message:
		return messageLike{channelID: v.ChannelID}, true
	default:
		return messageLike{}, false
	}
}
