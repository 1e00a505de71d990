package state

import (
	"testing"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
)

func newGenesisEvent(t *testing.T, author crypto.Token, priv crypto.PrivateKey, access event.Access) event.Event {
	t.Helper()
	body := event.GuildCreate{Name: "guild", Access: access}
	createdAt := int64(1)
	id := event.ComputeID(0, nil, createdAt, author, body)
	body.GuildID = id
	sig := event.Sign(priv, body, author, createdAt)
	return event.Seal(body, author, createdAt, sig, 0, nil)
}

func next(t *testing.T, guild event.GuildID, prev event.Event, author crypto.Token, priv crypto.PrivateKey, body event.Body) event.Event {
	t.Helper()
	createdAt := prev.CreatedAt + 1
	sig := event.Sign(priv, body, author, createdAt)
	prevID := prev.ID
	return event.Seal(body, author, createdAt, sig, prev.Seq+1, &prevID)
}

func TestCreateInitialStateSeedsOwner(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s, err := CreateInitialState(g)
	if err != nil {
		t.Fatal(err)
	}
	if s.OwnerID != author {
		t.Fatal("expected owner to be the genesis author")
	}
	if _, ok := s.Members[author].Roles["owner"]; !ok {
		t.Fatal("expected owner to have the owner role")
	}
	if s.HeadSeq != 0 || s.HeadHash != g.ID {
		t.Fatal("expected head to be the genesis event")
	}
}

func TestApplyEventChannelCreateAliasesUntouchedMaps(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s0, _ := CreateInitialState(g)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	s1, err := ApplyEvent(s0, e1)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s1.Channels[channelID]; !ok {
		t.Fatal("expected channel to be created")
	}
	if len(s0.Channels) != 0 {
		t.Fatal("expected s0 to be unmutated by ApplyEvent")
	}
	// Members is untouched by CHANNEL_CREATE, so s1.Members must be the same
	// map as s0.Members, not a copy: mutating through one is visible in the
	// other.
	s0.Members[author] = Member{Nickname: "mutated via s0"}
	if s1.Members[author].Nickname != "mutated via s0" {
		t.Fatal("expected Members map to be aliased, not copied, for an event type that does not touch it")
	}
}

func TestApplyEventRoleAssignRevoke(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s, _ := CreateInitialState(g)
	bob, _ := crypto.RandomAsymetricKey()
	e1 := next(t, g.ID, g, author, priv, event.RoleAssign{GuildID: g.ID, UserID: bob, RoleID: "admin"})
	s, err := ApplyEvent(s, e1)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Members[bob].Roles["admin"]; !ok {
		t.Fatal("expected bob to have admin role")
	}
	e2 := next(t, g.ID, e1, author, priv, event.RoleRevoke{GuildID: g.ID, UserID: bob, RoleID: "admin"})
	s, err = ApplyEvent(s, e2)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Members[bob].Roles["admin"]; ok {
		t.Fatal("expected bob's admin role to be revoked")
	}
}

func TestApplyEventBanRemovesMembership(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s, _ := CreateInitialState(g)
	bob, _ := crypto.RandomAsymetricKey()
	e1 := next(t, g.ID, g, author, priv, event.RoleAssign{GuildID: g.ID, UserID: bob, RoleID: "member"})
	s, _ = ApplyEvent(s, e1)
	e2 := next(t, g.ID, e1, author, priv, event.BanUser{GuildID: g.ID, UserID: bob, Reason: "spam"})
	s, err := ApplyEvent(s, e2)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Members[bob]; ok {
		t.Fatal("expected banned member to be removed")
	}
	if _, ok := s.Bans[bob]; !ok {
		t.Fatal("expected ban record")
	}
}

func TestApplyEventMessageIsStructurallyNoOp(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s, _ := CreateInitialState(g)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	s, _ = ApplyEvent(s, e1)
	before := len(s.Channels)
	e2 := next(t, g.ID, e1, author, priv, event.Message{GuildID: g.ID, ChannelID: channelID, MessageID: "m1", Content: "hi"})
	s, err := ApplyEvent(s, e2)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Channels) != before {
		t.Fatal("expected MESSAGE to leave channels untouched")
	}
	if s.HeadSeq != 2 || s.HeadHash != e2.ID {
		t.Fatal("expected head to advance")
	}
}

func TestFoldLogMatchesStepwiseApply(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	e2 := next(t, g.ID, e1, author, priv, event.Message{GuildID: g.ID, ChannelID: channelID, MessageID: "m1", Content: "hi"})

	s, _ := CreateInitialState(g)
	s, _ = ApplyEvent(s, e1)
	s, _ = ApplyEvent(s, e2)

	folded, err := FoldLog([]event.Event{g, e1, e2})
	if err != nil {
		t.Fatal(err)
	}
	if folded.Checksum() != s.Checksum() {
		t.Fatal("expected folding and stepwise application to produce identical checksums")
	}
}

func TestFoldLogToleratesPrunedGaps(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	e2 := next(t, g.ID, e1, author, priv, event.Message{GuildID: g.ID, ChannelID: channelID, MessageID: "m1", Content: "hi"})
	e3 := next(t, g.ID, e2, author, priv, event.RoleAssign{GuildID: g.ID, UserID: author, RoleID: "admin"})

	// e2 pruned: the surviving log has a seq gap (0, 1, 3) the way retention
	// pruning leaves behind once it deletes an interior MESSAGE.
	folded, err := FoldLog([]event.Event{g, e1, e3})
	if err != nil {
		t.Fatalf("expected FoldLog to tolerate a pruned gap, got %v", err)
	}
	if folded.HeadSeq != 3 || folded.HeadHash != e3.ID {
		t.Fatal("expected head to track the real seq of the last surviving event")
	}
	if _, ok := folded.Members[author].Roles["admin"]; !ok {
		t.Fatal("expected the post-gap event to still apply")
	}

	if _, err := ApplyEvent(folded, e1); err != ErrWrongSeq {
		t.Fatalf("expected ErrWrongSeq for a non-increasing seq, got %v", err)
	}
}

func TestValidatePrivilegedRequiresStanding(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s, _ := CreateInitialState(g)
	outsider, outsiderPriv := crypto.RandomAsymetricKey()
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, outsider, outsiderPriv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	if err := Validate(s, e1); err != ErrNotPrivileged {
		t.Fatalf("expected ErrNotPrivileged, got %v", err)
	}
	e2 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	if err := Validate(s, e2); err != nil {
		t.Fatalf("expected owner to be allowed, got %v", err)
	}
}

func TestValidateMessageRequiresKnownChannelAndMembership(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPrivate)
	s, _ := CreateInitialState(g)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	s, _ = ApplyEvent(s, e1)

	outsider, outsiderPriv := crypto.RandomAsymetricKey()
	msg := next(t, g.ID, e1, outsider, outsiderPriv, event.Message{GuildID: g.ID, ChannelID: channelID, MessageID: "m1", Content: "hi"})
	if err := Validate(s, msg); err != ErrNotAMember {
		t.Fatalf("expected ErrNotAMember for non-member in private guild, got %v", err)
	}

	unknownChannel := crypto.Hasher([]byte("nope"))
	msg2 := next(t, g.ID, e1, author, priv, event.Message{GuildID: g.ID, ChannelID: unknownChannel, MessageID: "m2", Content: "hi"})
	if err := Validate(s, msg2); err != ErrUnknownChannel {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestValidateRejectsBannedAuthor(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPublic)
	s, _ := CreateInitialState(g)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	s, _ = ApplyEvent(s, e1)
	bob, bobPriv := crypto.RandomAsymetricKey()
	e2 := next(t, g.ID, e1, author, priv, event.BanUser{GuildID: g.ID, UserID: bob})
	s, _ = ApplyEvent(s, e2)
	msg := next(t, g.ID, e2, bob, bobPriv, event.Message{GuildID: g.ID, ChannelID: channelID, MessageID: "m1", Content: "hi"})
	if err := Validate(s, msg); err != ErrAuthorBanned {
		t.Fatalf("expected ErrAuthorBanned, got %v", err)
	}
}

func TestValidateEditAndDeleteMessageAreUnrestricted(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPrivate)
	s, _ := CreateInitialState(g)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	s, _ = ApplyEvent(s, e1)

	// An outsider is neither a member of this private guild nor known to any
	// channel roster; EDIT_MESSAGE/DELETE_MESSAGE skip the MESSAGE-only
	// channel/membership/ban check and so must not be rejected for that.
	outsider, outsiderPriv := crypto.RandomAsymetricKey()
	edit := next(t, g.ID, e1, outsider, outsiderPriv, event.EditMessage{GuildID: g.ID, ChannelID: channelID, MessageID: "m1", NewContent: "edited"})
	if err := Validate(s, edit); err != nil {
		t.Fatalf("expected EDIT_MESSAGE to be unrestricted, got %v", err)
	}
	del := next(t, g.ID, e1, outsider, outsiderPriv, event.DeleteMessage{GuildID: g.ID, ChannelID: channelID, MessageID: "m1"})
	if err := Validate(s, del); err != nil {
		t.Fatalf("expected DELETE_MESSAGE to be unrestricted, got %v", err)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	author, priv := crypto.RandomAsymetricKey()
	g := newGenesisEvent(t, author, priv, event.AccessPrivate)
	s, _ := CreateInitialState(g)
	channelID := crypto.Hasher([]byte("general"))
	e1 := next(t, g.ID, g, author, priv, event.ChannelCreate{GuildID: g.ID, ChannelID: channelID, Name: "general", Kind: event.ChannelText})
	s, _ = ApplyEvent(s, e1)

	raw, err := Serialize(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Checksum() != s.Checksum() {
		t.Fatal("expected round-tripped state to have the same checksum")
	}
}
