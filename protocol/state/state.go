// Package state implements the deterministic guild-state reducer and the
// permission/eligibility validator that the sequencing engine runs between
// signature verification and append.
package state

import (
	"errors"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
)

var (
	ErrNotGenesis = errors.New("state: createInitialState requires a GUILD_CREATE event at seq 0")
	ErrWrongSeq   = errors.New("state: applyEvent requires event.seq > state.headSeq")
	ErrWrongGuild = errors.New("state: event does not belong to this guild")
)

// Channel mirrors a CHANNEL_CREATE/EPHEMERAL_POLICY_UPDATE target.
type Channel struct {
	Name      string
	Kind      event.ChannelKind
	Retention *event.Retention
}

// Role is a named permission bundle. The reducer never adds entries to
// GuildState.Roles (ROLE_ASSIGN/ROLE_REVOKE operate on role ids in
// Member.Roles directly), and neither CanonicalValue nor Serialize includes
// the Roles map.
type Role struct {
	Name        string
	Permissions []string
}

// Member is a guild member's local record.
type Member struct {
	Roles    map[string]struct{}
	Nickname string
	JoinedAt int64
}

// Ban is a per-user ban record.
type Ban struct {
	Reason   string
	BannedAt int64
}

// GuildState is the reduced view of a guild's log at a point in time.
// Untouched maps are aliased (not copied) across ApplyEvent calls; callers
// must treat a GuildState as immutable once produced and never mutate a map
// obtained from it in place.
type GuildState struct {
	GuildID     event.GuildID
	Name        string
	Description string
	Access      event.Access
	OwnerID     event.UserID
	CreatedAt   int64
	HeadSeq     uint64
	HeadHash    crypto.Hash

	Channels map[event.ChannelID]Channel
	Roles    map[event.RoleID]Role
	Members  map[event.UserID]Member
	Bans     map[event.UserID]Ban
}

// CreateInitialState seeds a GuildState from a genesis event. genesis must
// be seq 0 with a GuildCreate body.
func CreateInitialState(genesis event.Event) (GuildState, error) {
	if genesis.Seq != 0 {
		return GuildState{}, ErrNotGenesis
	}
	gc, ok := genesis.Body.(event.GuildCreate)
	if !ok {
		return GuildState{}, ErrNotGenesis
	}
	access := gc.Access
	if access == "" {
		access = event.AccessPublic
	}
	return GuildState{
		GuildID:     gc.GuildID,
		Name:        gc.Name,
		Description: gc.Description,
		Access:      access,
		OwnerID:     genesis.Author,
		CreatedAt:   genesis.CreatedAt,
		HeadSeq:     0,
		HeadHash:    genesis.ID,
		Channels:    map[event.ChannelID]Channel{},
		Roles:       map[event.RoleID]Role{},
		Members: map[event.UserID]Member{
			genesis.Author: {Roles: map[string]struct{}{"owner": {}}, JoinedAt: genesis.CreatedAt},
		},
		Bans: map[event.UserID]Ban{},
	}, nil
}

// ApplyEvent is a pure function: it returns a new GuildState, aliasing every
// map the event's type does not touch into the result rather than deep
// copying. It does not validate permissions — that is Validate's job, run
// before ApplyEvent is called on an untrusted event.
// e.Seq need not equal s.HeadSeq+1: retention pruning deletes interior
// MESSAGE events and leaves gaps in the persisted log (§4.9), so folding a
// pruned log must tolerate seq jumps the same way event.ValidateChain's
// allowGaps mode does. Only strict monotonicity is required.
func ApplyEvent(s GuildState, e event.Event) (GuildState, error) {
	if e.Seq <= s.HeadSeq {
		return s, ErrWrongSeq
	}
	if e.Body.GuildScope() != s.GuildID && e.Body.Type() != event.TypeCheckpoint {
		return s, ErrWrongGuild
	}
	next := s
	next.HeadSeq = e.Seq
	next.HeadHash = e.ID

	switch body := e.Body.(type) {
	case event.ChannelCreate:
		channels := cloneChannels(s.Channels)
		channels[body.ChannelID] = Channel{Name: body.Name, Kind: body.Kind, Retention: body.Retention}
		next.Channels = channels

	case event.EphemeralPolicyUpdate:
		if ch, ok := s.Channels[body.ChannelID]; ok {
			channels := cloneChannels(s.Channels)
			ch.Retention = &body.Retention
			channels[body.ChannelID] = ch
			next.Channels = channels
		}

	case event.RoleAssign:
		members := cloneMembers(s.Members)
		m, ok := members[body.UserID]
		if !ok {
			m = Member{Roles: map[string]struct{}{}, JoinedAt: e.CreatedAt}
		} else {
			m.Roles = cloneRoleSet(m.Roles)
		}
		m.Roles[body.RoleID] = struct{}{}
		members[body.UserID] = m
		next.Members = members

	case event.RoleRevoke:
		if m, ok := s.Members[body.UserID]; ok {
			if _, has := m.Roles[body.RoleID]; has {
				members := cloneMembers(s.Members)
				m.Roles = cloneRoleSet(m.Roles)
				delete(m.Roles, body.RoleID)
				members[body.UserID] = m
				next.Members = members
			}
		}

	case event.BanUser:
		bans := cloneBans(s.Bans)
		bans[body.UserID] = Ban{Reason: body.Reason, BannedAt: e.CreatedAt}
		next.Bans = bans
		if _, ok := s.Members[body.UserID]; ok {
			members := cloneMembers(s.Members)
			delete(members, body.UserID)
			next.Members = members
		}

	case event.UnbanUser:
		if _, ok := s.Bans[body.UserID]; ok {
			bans := cloneBans(s.Bans)
			delete(bans, body.UserID)
			next.Bans = bans
		}

	case event.Message, event.EditMessage, event.DeleteMessage, event.ForkFrom, event.Checkpoint:
		// no structural mutation beyond headSeq/headHash, already set above.
	}
	return next, nil
}

func cloneChannels(m map[event.ChannelID]Channel) map[event.ChannelID]Channel {
	out := make(map[event.ChannelID]Channel, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMembers(m map[event.UserID]Member) map[event.UserID]Member {
	out := make(map[event.UserID]Member, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBans(m map[event.UserID]Ban) map[event.UserID]Ban {
	out := make(map[event.UserID]Ban, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRoleSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// FoldLog rebuilds a GuildState from scratch by folding an ordered event log,
// genesis first, through CreateInitialState and ApplyEvent. The log may have
// gaps left by retention pruning (§4.9): only strict seq monotonicity is
// required, matching event.ValidateChain's allowGaps mode. The engine uses
// this for cold starts and cache misses.
func FoldLog(log []event.Event) (GuildState, error) {
	if len(log) == 0 {
		return GuildState{}, ErrNotGenesis
	}
	s, err := CreateInitialState(log[0])
	if err != nil {
		return GuildState{}, err
	}
	for _, e := range log[1:] {
		s, err = ApplyEvent(s, e)
		if err != nil {
			return GuildState{}, err
		}
	}
	return s, nil
}
