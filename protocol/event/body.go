package event

import (
	"encoding/json"
	"fmt"
)

// BodyType is the discriminant of the event body tagged union: a native
// sum type, not a representation where an unhandled variant silently
// falls through.
type BodyType string

const (
	TypeGuildCreate           BodyType = "GUILD_CREATE"
	TypeChannelCreate         BodyType = "CHANNEL_CREATE"
	TypeEphemeralPolicyUpdate BodyType = "EPHEMERAL_POLICY_UPDATE"
	TypeRoleAssign            BodyType = "ROLE_ASSIGN"
	TypeRoleRevoke            BodyType = "ROLE_REVOKE"
	TypeBanUser               BodyType = "BAN_USER"
	TypeUnbanUser             BodyType = "UNBAN_USER"
	TypeMessage               BodyType = "MESSAGE"
	TypeEditMessage           BodyType = "EDIT_MESSAGE"
	TypeDeleteMessage         BodyType = "DELETE_MESSAGE"
	TypeForkFrom              BodyType = "FORK_FROM"
	TypeCheckpoint            BodyType = "CHECKPOINT"
)

// Body is the common interface every event body implements. GuildScope
// returns the guildId the body carries (for GUILD_CREATE this is the
// genesis event's own id, checked by the caller, not by the body itself).
// canonicalFields returns the body's own fields as a map, without the type
// tag, which canonicalValueOf adds.
type Body interface {
	Type() BodyType
	GuildScope() GuildID
	canonicalFields() map[string]any
}

// canonicalValueOf wraps a Body's own canonical map representation together
// with its "type" discriminant, as required by computeEventId/sign (both
// hash over the whole body, tag included).
func canonicalValueOf(b Body) any {
	out := map[string]any{"type": string(b.Type())}
	for k, v := range b.canonicalFields() {
		out[k] = v
	}
	return out
}

type GuildCreate struct {
	GuildID     GuildID `json:"guildId"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Access      Access  `json:"access"`
}

func (b GuildCreate) Type() BodyType     { return TypeGuildCreate }
func (b GuildCreate) GuildScope() GuildID { return b.GuildID }

// canonicalFields deliberately omits "guildId": a genesis event's guildId is
// defined as the hash of this very body, so it cannot be an input to its own
// hash. GuildID is still carried on the wire (its JSON tag) and is checked
// for equality against the computed event id by ValidateChain, just not
// hashed. This is what makes the genesis id computation a non-circular,
// reproducible fixed point instead of a moving target.
func (b GuildCreate) canonicalFields() map[string]any {
	m := map[string]any{
		"name":   b.Name,
		"access": string(b.Access),
	}
	if b.Description != "" {
		m["description"] = b.Description
	}
	return m
}

type ChannelCreate struct {
	GuildID   GuildID     `json:"guildId"`
	ChannelID ChannelID   `json:"channelId"`
	Name      string      `json:"name"`
	Kind      ChannelKind `json:"kind"`
	Retention *Retention  `json:"retention,omitempty"`
}

func (b ChannelCreate) Type() BodyType     { return TypeChannelCreate }
func (b ChannelCreate) GuildScope() GuildID { return b.GuildID }
func (b ChannelCreate) canonicalFields() map[string]any {
	m := map[string]any{
		"guildId":   b.GuildID.String(),
		"channelId": b.ChannelID.String(),
		"name":      b.Name,
		"kind":      string(b.Kind),
	}
	if b.Retention != nil {
		m["retention"] = b.Retention.CanonicalValue()
	}
	return m
}

type EphemeralPolicyUpdate struct {
	GuildID   GuildID   `json:"guildId"`
	ChannelID ChannelID `json:"channelId"`
	Retention Retention `json:"retention"`
}

func (b EphemeralPolicyUpdate) Type() BodyType     { return TypeEphemeralPolicyUpdate }
func (b EphemeralPolicyUpdate) GuildScope() GuildID { return b.GuildID }
func (b EphemeralPolicyUpdate) canonicalFields() map[string]any {
	return map[string]any{
		"guildId":   b.GuildID.String(),
		"channelId": b.ChannelID.String(),
		"retention": b.Retention.CanonicalValue(),
	}
}

type RoleAssign struct {
	GuildID GuildID `json:"guildId"`
	UserID  UserID  `json:"userId"`
	RoleID  RoleID  `json:"roleId"`
}

func (b RoleAssign) Type() BodyType     { return TypeRoleAssign }
func (b RoleAssign) GuildScope() GuildID { return b.GuildID }
func (b RoleAssign) canonicalFields() map[string]any {
	return map[string]any{
		"guildId": b.GuildID.String(),
		"userId":  b.UserID.String(),
		"roleId":  b.RoleID,
	}
}

type RoleRevoke struct {
	GuildID GuildID `json:"guildId"`
	UserID  UserID  `json:"userId"`
	RoleID  RoleID  `json:"roleId"`
}

func (b RoleRevoke) Type() BodyType     { return TypeRoleRevoke }
func (b RoleRevoke) GuildScope() GuildID { return b.GuildID }
func (b RoleRevoke) canonicalFields() map[string]any {
	return map[string]any{
		"guildId": b.GuildID.String(),
		"userId":  b.UserID.String(),
		"roleId":  b.RoleID,
	}
}

type BanUser struct {
	GuildID GuildID `json:"guildId"`
	UserID  UserID  `json:"userId"`
	Reason  string  `json:"reason,omitempty"`
}

func (b BanUser) Type() BodyType     { return TypeBanUser }
func (b BanUser) GuildScope() GuildID { return b.GuildID }
func (b BanUser) canonicalFields() map[string]any {
	m := map[string]any{"guildId": b.GuildID.String(), "userId": b.UserID.String()}
	if b.Reason != "" {
		m["reason"] = b.Reason
	}
	return m
}

type UnbanUser struct {
	GuildID GuildID `json:"guildId"`
	UserID  UserID  `json:"userId"`
}

func (b UnbanUser) Type() BodyType     { return TypeUnbanUser }
func (b UnbanUser) GuildScope() GuildID { return b.GuildID }
func (b UnbanUser) canonicalFields() map[string]any {
	return map[string]any{"guildId": b.GuildID.String(), "userId": b.UserID.String()}
}

type Message struct {
	GuildID   GuildID    `json:"guildId"`
	ChannelID ChannelID  `json:"channelId"`
	MessageID MessageID  `json:"messageId"`
	Content   string     `json:"content"`
	ReplyTo   *MessageID `json:"replyTo,omitempty"`
}

func (b Message) Type() BodyType     { return TypeMessage }
func (b Message) GuildScope() GuildID { return b.GuildID }
func (b Message) canonicalFields() map[string]any {
	m := map[string]any{
		"guildId":   b.GuildID.String(),
		"channelId": b.ChannelID.String(),
		"messageId": b.MessageID,
		"content":   b.Content,
	}
	if b.ReplyTo != nil {
		m["replyTo"] = *b.ReplyTo
	}
	return m
}

type EditMessage struct {
	GuildID    GuildID   `json:"guildId"`
	ChannelID  ChannelID `json:"channelId"`
	MessageID  MessageID `json:"messageId"`
	NewContent string    `json:"newContent"`
}

func (b EditMessage) Type() BodyType     { return TypeEditMessage }
func (b EditMessage) GuildScope() GuildID { return b.GuildID }
func (b EditMessage) canonicalFields() map[string]any {
	return map[string]any{
		"guildId":    b.GuildID.String(),
		"channelId":  b.ChannelID.String(),
		"messageId":  b.MessageID,
		"newContent": b.NewContent,
	}
}

type DeleteMessage struct {
	GuildID   GuildID   `json:"guildId"`
	ChannelID ChannelID `json:"channelId"`
	MessageID MessageID `json:"messageId"`
	Reason    string    `json:"reason,omitempty"`
}

func (b DeleteMessage) Type() BodyType     { return TypeDeleteMessage }
func (b DeleteMessage) GuildScope() GuildID { return b.GuildID }
func (b DeleteMessage) canonicalFields() map[string]any {
	m := map[string]any{
		"guildId":   b.GuildID.String(),
		"channelId": b.ChannelID.String(),
		"messageId": b.MessageID,
	}
	if b.Reason != "" {
		m["reason"] = b.Reason
	}
	return m
}

type ForkFrom struct {
	GuildID        GuildID `json:"guildId"`
	ParentGuildID  GuildID `json:"parentGuildId"`
	ParentSeq      uint64  `json:"parentSeq"`
	ParentRootHash string  `json:"parentRootHash"`
	Note           string  `json:"note,omitempty"`
}

func (b ForkFrom) Type() BodyType     { return TypeForkFrom }
func (b ForkFrom) GuildScope() GuildID { return b.GuildID }
func (b ForkFrom) canonicalFields() map[string]any {
	m := map[string]any{
		"guildId":        b.GuildID.String(),
		"parentGuildId":  b.ParentGuildID.String(),
		"parentSeq":      float64(b.ParentSeq),
		"parentRootHash": b.ParentRootHash,
	}
	if b.Note != "" {
		m["note"] = b.Note
	}
	return m
}

type Checkpoint struct {
	GuildID  GuildID `json:"guildId"`
	Seq      uint64  `json:"seq"`
	RootHash string  `json:"rootHash"`
	State    string  `json:"state"`
}

func (b Checkpoint) Type() BodyType     { return TypeCheckpoint }
func (b Checkpoint) GuildScope() GuildID { return b.GuildID }
func (b Checkpoint) canonicalFields() map[string]any {
	return map[string]any{
		"guildId":  b.GuildID.String(),
		"seq":      float64(b.Seq),
		"rootHash": b.RootHash,
		"state":    b.State,
	}
}

// MarshalJSON flattens the body into {"type": ..., <fields>}.
func MarshalJSON(b Body) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	typeJSON, _ := json.Marshal(string(b.Type()))
	m["type"] = typeJSON
	return json.Marshal(m)
}

// UnmarshalBody dispatches on the "type" field to the concrete Body struct.
func UnmarshalBody(data []byte) (Body, error) {
	var tag struct {
		Type BodyType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case TypeGuildCreate:
		var b GuildCreate
		return b, json.Unmarshal(data, &b)
	case TypeChannelCreate:
		var b ChannelCreate
		return b, json.Unmarshal(data, &b)
	case TypeEphemeralPolicyUpdate:
		var b EphemeralPolicyUpdate
		return b, json.Unmarshal(data, &b)
	case TypeRoleAssign:
		var b RoleAssign
		return b, json.Unmarshal(data, &b)
	case TypeRoleRevoke:
		var b RoleRevoke
		return b, json.Unmarshal(data, &b)
	case TypeBanUser:
		var b BanUser
		return b, json.Unmarshal(data, &b)
	case TypeUnbanUser:
		var b UnbanUser
		return b, json.Unmarshal(data, &b)
	case TypeMessage:
		var b Message
		return b, json.Unmarshal(data, &b)
	case TypeEditMessage:
		var b EditMessage
		return b, json.Unmarshal(data, &b)
	case TypeDeleteMessage:
		var b DeleteMessage
		return b, json.Unmarshal(data, &b)
	case TypeForkFrom:
		var b ForkFrom
		return b, json.Unmarshal(data, &b)
	case TypeCheckpoint:
		var b Checkpoint
		return b, json.Unmarshal(data, &b)
	default:
		return nil, fmt.Errorf("event: unknown body type %q", tag.Type)
	}
}

// IsPrivileged reports whether authoring this body type requires owner or
// admin standing.
func IsPrivileged(t BodyType) bool {
	switch t {
	case TypeChannelCreate, TypeRoleAssign, TypeRoleRevoke, TypeBanUser, TypeUnbanUser, TypeEphemeralPolicyUpdate:
		return true
	default:
		return false
	}
}
