package store

import (
	"testing"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
)

func testGenesis(t *testing.T) event.Event {
	t.Helper()
	author, priv := crypto.RandomAsymetricKey()
	body := event.GuildCreate{Name: "guild", Access: event.AccessPublic}
	createdAt := int64(1)
	id := event.ComputeID(0, nil, createdAt, author, body)
	body.GuildID = id
	sig := event.Sign(priv, body, author, createdAt)
	return event.Seal(body, author, createdAt, sig, 0, nil)
}

func testNext(t *testing.T, prev event.Event) event.Event {
	t.Helper()
	author, priv := crypto.RandomAsymetricKey()
	body := event.Message{GuildID: prev.Body.GuildScope(), ChannelID: prev.ID, MessageID: "m", Content: "hi"}
	createdAt := prev.CreatedAt + 1
	sig := event.Sign(priv, body, author, createdAt)
	prevID := prev.ID
	return event.Seal(body, author, createdAt, sig, prev.Seq+1, &prevID)
}

func runStoreSuite(t *testing.T, s LogStore) {
	g := testGenesis(t)
	guild := g.Body.(event.GuildCreate).GuildID

	if err := s.Append(guild, g); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	m1 := testNext(t, g)
	if err := s.Append(guild, m1); err != nil {
		t.Fatalf("append m1: %v", err)
	}

	if err := s.Append(guild, m1); err == nil {
		t.Fatal("expected re-appending the same seq to fail")
	}

	log, err := s.GetLog(guild)
	if err != nil || len(log) != 2 {
		t.Fatalf("expected a 2-event log, got %d events, err %v", len(log), err)
	}

	last, err := s.GetLastEvent(guild)
	if err != nil || last.ID != m1.ID {
		t.Fatalf("expected last event to be m1, got %+v, err %v", last, err)
	}

	ids, err := s.GetGuildIDs()
	if err != nil || len(ids) != 1 || ids[0] != guild {
		t.Fatalf("expected exactly one known guild, got %v, err %v", ids, err)
	}

	if err := s.DeleteEvent(guild, 1); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	log, _ = s.GetLog(guild)
	if len(log) != 1 || log[0].ID != g.ID {
		t.Fatalf("expected only genesis to survive deletion, got %d events", len(log))
	}

	if err := s.DeleteEvent(guild, 99); err == nil {
		t.Fatal("expected deleting an unknown seq to fail")
	}
}

// runInteriorPruneAppendSuite exercises append after an interior (non-tail)
// seq has been deleted, the shape retention pruning leaves behind: the next
// expected seq must keep tracking the last appended seq, not the log's
// current length.
func runInteriorPruneAppendSuite(t *testing.T, s LogStore) {
	g := testGenesis(t)
	guild := g.Body.(event.GuildCreate).GuildID

	if err := s.Append(guild, g); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	m1 := testNext(t, g)
	if err := s.Append(guild, m1); err != nil {
		t.Fatalf("append m1: %v", err)
	}
	m2 := testNext(t, m1)
	if err := s.Append(guild, m2); err != nil {
		t.Fatalf("append m2: %v", err)
	}

	if err := s.DeleteEvent(guild, 1); err != nil {
		t.Fatalf("delete interior event: %v", err)
	}

	m3 := testNext(t, m2)
	if err := s.Append(guild, m3); err != nil {
		t.Fatalf("expected append after an interior prune to succeed, got %v", err)
	}

	log, err := s.GetLog(guild)
	if err != nil || len(log) != 3 {
		t.Fatalf("expected genesis, m2, m3 to survive, got %d events, err %v", len(log), err)
	}
	last, err := s.GetLastEvent(guild)
	if err != nil || last.ID != m3.ID {
		t.Fatalf("expected last event to be m3, got %+v, err %v", last, err)
	}
}

func TestMemoryStoreAppendAfterInteriorPrune(t *testing.T) {
	runInteriorPruneAppendSuite(t, NewMemoryStore())
}

func TestSQLiteStoreAppendAfterInteriorPrune(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLiteStore(dir + "/relay.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runInteriorPruneAppendSuite(t, s)
}

func TestMemoryStoreSuite(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStoreSuite(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLiteStore(dir + "/relay.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func TestMemoryStoreUnknownGuildReturnsEmptyLog(t *testing.T) {
	s := NewMemoryStore()
	unknown := crypto.Hasher([]byte("nope"))
	log, err := s.GetLog(unknown)
	if err != nil || len(log) != 0 {
		t.Fatalf("expected empty log for unknown guild, got %v, err %v", log, err)
	}
	if _, err := s.GetLastEvent(unknown); err != ErrGuildNotFound {
		t.Fatalf("expected ErrGuildNotFound, got %v", err)
	}
}
