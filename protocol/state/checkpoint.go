package state

import (
	"encoding/json"
	"sort"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
)

// CanonicalValue implements crypto.CanonicalValue so a GuildState can be fed
// straight into crypto.Canonical/crypto.HashValue for a CHECKPOINT rootHash.
func (s GuildState) CanonicalValue() any {
	channels := make(map[string]any, len(s.Channels))
	for id, ch := range s.Channels {
		v := map[string]any{"name": ch.Name, "kind": string(ch.Kind)}
		if ch.Retention != nil {
			v["retention"] = ch.Retention.CanonicalValue()
		}
		channels[id.String()] = v
	}
	members := make(map[string]any, len(s.Members))
	for id, m := range s.Members {
		roles := make([]string, 0, len(m.Roles))
		for r := range m.Roles {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		rolesAny := make([]any, len(roles))
		for i, r := range roles {
			rolesAny[i] = r
		}
		members[id.String()] = map[string]any{
			"roles":    rolesAny,
			"nickname": m.Nickname,
			"joinedAt": float64(m.JoinedAt),
		}
	}
	bans := make(map[string]any, len(s.Bans))
	for id, b := range s.Bans {
		bans[id.String()] = map[string]any{"reason": b.Reason, "bannedAt": float64(b.BannedAt)}
	}
	return map[string]any{
		"guildId":     s.GuildID.String(),
		"name":        s.Name,
		"description": s.Description,
		"access":      string(s.Access),
		"ownerId":     s.OwnerID.String(),
		"createdAt":   float64(s.CreatedAt),
		"headSeq":     float64(s.HeadSeq),
		"headHash":    s.HeadHash.String(),
		"channels":    channels,
		"members":     members,
		"bans":        bans,
	}
}

// Checksum returns hash(canonical(state)), the value a CHECKPOINT's
// rootHash must equal.
func (s GuildState) Checksum() crypto.Hash {
	return crypto.HashValue(s)
}

// wireChannel/wireMember/wireBan/wireState give GuildState a JSON encoding
// independent of its map-keyed-by-hash-array in-memory shape, used to fill
// CHECKPOINT.state.
type wireChannel struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	Retention *event.Retention `json:"retention,omitempty"`
}

type wireMember struct {
	ID       string   `json:"id"`
	Roles    []string `json:"roles"`
	Nickname string   `json:"nickname,omitempty"`
	JoinedAt int64    `json:"joinedAt"`
}

type wireBan struct {
	ID       string `json:"id"`
	Reason   string `json:"reason,omitempty"`
	BannedAt int64  `json:"bannedAt"`
}

type wireState struct {
	GuildID     string       `json:"guildId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Access      string       `json:"access"`
	OwnerID     string       `json:"ownerId"`
	CreatedAt   int64        `json:"createdAt"`
	HeadSeq     uint64       `json:"headSeq"`
	HeadHash    string       `json:"headHash"`
	Channels    []wireChannel `json:"channels"`
	Members     []wireMember  `json:"members"`
	Bans        []wireBan     `json:"bans"`
}

// Serialize produces the JSON string carried as CHECKPOINT.state.
func Serialize(s GuildState) (string, error) {
	w := wireState{
		GuildID:     s.GuildID.String(),
		Name:        s.Name,
		Description: s.Description,
		Access:      string(s.Access),
		OwnerID:     s.OwnerID.String(),
		CreatedAt:   s.CreatedAt,
		HeadSeq:     s.HeadSeq,
		HeadHash:    s.HeadHash.String(),
	}
	for id, ch := range s.Channels {
		w.Channels = append(w.Channels, wireChannel{ID: id.String(), Name: ch.Name, Kind: string(ch.Kind), Retention: ch.Retention})
	}
	for id, m := range s.Members {
		roles := make([]string, 0, len(m.Roles))
		for r := range m.Roles {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		w.Members = append(w.Members, wireMember{ID: id.String(), Roles: roles, Nickname: m.Nickname, JoinedAt: m.JoinedAt})
	}
	for id, b := range s.Bans {
		w.Bans = append(w.Bans, wireBan{ID: id.String(), Reason: b.Reason, BannedAt: b.BannedAt})
	}
	sort.Slice(w.Channels, func(i, j int) bool { return w.Channels[i].ID < w.Channels[j].ID })
	sort.Slice(w.Members, func(i, j int) bool { return w.Members[i].ID < w.Members[j].ID })
	sort.Slice(w.Bans, func(i, j int) bool { return w.Bans[i].ID < w.Bans[j].ID })
	raw, err := json.Marshal(w)
	return string(raw), err
}

// Deserialize is the inverse of Serialize. Neither the client nor the engine
// calls it: both fold logs from genesis.
func Deserialize(data string) (GuildState, error) {
	var w wireState
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return GuildState{}, err
	}
	s := GuildState{
		GuildID:     crypto.DecodeHash(w.GuildID),
		Name:        w.Name,
		Description: w.Description,
		Access:      event.Access(w.Access),
		OwnerID:     crypto.DecodeToken(w.OwnerID),
		CreatedAt:   w.CreatedAt,
		HeadSeq:     w.HeadSeq,
		HeadHash:    crypto.DecodeHash(w.HeadHash),
		Channels:    map[event.ChannelID]Channel{},
		Roles:       map[event.RoleID]Role{},
		Members:     map[event.UserID]Member{},
		Bans:        map[event.UserID]Ban{},
	}
	for _, ch := range w.Channels {
		s.Channels[crypto.DecodeHash(ch.ID)] = Channel{Name: ch.Name, Kind: event.ChannelKind(ch.Kind), Retention: ch.Retention}
	}
	for _, m := range w.Members {
		roles := map[string]struct{}{}
		for _, r := range m.Roles {
			roles[r] = struct{}{}
		}
		s.Members[crypto.DecodeToken(m.ID)] = Member{Roles: roles, Nickname: m.Nickname, JoinedAt: m.JoinedAt}
	}
	for _, b := range w.Bans {
		s.Bans[crypto.DecodeToken(b.ID)] = Ban{Reason: b.Reason, BannedAt: b.BannedAt}
	}
	return s, nil
}
