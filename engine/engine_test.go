package engine

import (
	"strings"
	"sync"
	"testing"

	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/protocol/event"
	"github.com/chainguild/cgp/store"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingBroadcaster) Broadcast(_ event.GuildID, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newEngine() (*Engine, *recordingBroadcaster) {
	b := &recordingBroadcaster{}
	_, relayPriv := crypto.RandomAsymetricKey()
	return New(store.NewMemoryStore(), relayPriv.PublicKey(), b), b
}

func publishGenesis(t *testing.T, e *Engine, author crypto.Token, priv crypto.PrivateKey, access event.Access) event.Event {
	t.Helper()
	createdAt := int64(1)
	body := event.GuildCreate{Name: "general guild", Access: access}
	id := event.ComputeID(0, nil, createdAt, author, body)
	body.GuildID = id
	sig := event.Sign(priv, body, author, createdAt)
	got, err := e.Publish(body, author, sig, createdAt)
	if err != nil {
		t.Fatalf("publish genesis: %v", err)
	}
	return got
}

// TestE2E1BasicMessage mirrors the spec's E2E-1 scenario at the engine
// layer: create a guild, create a channel, publish a message; the resulting
// log folds to a state with one channel and the right owner.
func TestE2E1BasicMessage(t *testing.T) {
	e, _ := newEngine()
	author, priv := crypto.RandomAsymetricKey()
	g := publishGenesis(t, e, author, priv, event.AccessPublic)
	guild := g.Body.(event.GuildCreate).GuildID

	channelID := crypto.Hasher([]byte("general-salt"))
	createCh := event.ChannelCreate{GuildID: guild, ChannelID: channelID, Name: "general", Kind: event.ChannelText}
	createdAt := int64(2)
	sig := event.Sign(priv, createCh, author, createdAt)
	chEvent, err := e.Publish(createCh, author, sig, createdAt)
	if err != nil {
		t.Fatalf("publish channel create: %v", err)
	}
	if chEvent.Seq != 1 {
		t.Fatalf("expected channel create at seq 1, got %d", chEvent.Seq)
	}

	msg := event.Message{GuildID: guild, ChannelID: channelID, MessageID: "m1", Content: "hello"}
	createdAt = 3
	sig = event.Sign(priv, msg, author, createdAt)
	msgEvent, err := e.Publish(msg, author, sig, createdAt)
	if err != nil {
		t.Fatalf("publish message: %v", err)
	}
	if msgEvent.Seq != 2 {
		t.Fatalf("expected message at seq 2, got %d", msgEvent.Seq)
	}

	s, err := e.StateAt(guild)
	if err != nil {
		t.Fatalf("state at: %v", err)
	}
	if s.OwnerID != author {
		t.Fatal("expected owner to be genesis author")
	}
	if _, ok := s.Channels[channelID]; !ok {
		t.Fatal("expected channel to exist in reduced state")
	}

	log, _ := e.Store().GetLog(guild)
	if len(log) != 3 {
		t.Fatalf("expected 3 stored events, got %d", len(log))
	}
	if err := event.ValidateChain(log, false); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

// TestE2E2PermissionRejection mirrors E2E-2: a non-owner, non-admin author
// cannot create a channel.
func TestE2E2PermissionRejection(t *testing.T) {
	e, _ := newEngine()
	owner, ownerPriv := crypto.RandomAsymetricKey()
	g := publishGenesis(t, e, owner, ownerPriv, event.AccessPublic)
	guild := g.Body.(event.GuildCreate).GuildID

	attacker, attackerPriv := crypto.RandomAsymetricKey()
	body := event.ChannelCreate{GuildID: guild, ChannelID: crypto.Hasher([]byte("x")), Name: "secret", Kind: event.ChannelText}
	createdAt := int64(2)
	sig := event.Sign(attackerPriv, body, attacker, createdAt)
	_, err := e.Publish(body, attacker, sig, createdAt)
	if err == nil {
		t.Fatal("expected validation failure for non-privileged author")
	}
	ierr, ok := err.(*IngestError)
	if !ok || ierr.Code != CodeValidationFailed || !strings.Contains(ierr.Message, "permission") {
		t.Fatalf("expected VALIDATION_FAILED containing 'permission', got %v", err)
	}
	log, _ := e.Store().GetLog(guild)
	if len(log) != 1 {
		t.Fatalf("expected log to be unchanged at 1 event, got %d", len(log))
	}
}

// TestE2E3RaceOnSequence mirrors E2E-3: concurrent publishes to one guild
// still produce a dense, gap-free, duplicate-free sequence.
func TestE2E3RaceOnSequence(t *testing.T) {
	e, _ := newEngine()
	author, priv := crypto.RandomAsymetricKey()
	g := publishGenesis(t, e, author, priv, event.AccessPublic)
	guild := g.Body.(event.GuildCreate).GuildID

	channelID := crypto.Hasher([]byte("general-salt"))
	createCh := event.ChannelCreate{GuildID: guild, ChannelID: channelID, Name: "general", Kind: event.ChannelText}
	chSig := event.Sign(priv, createCh, author, 2)
	if _, err := e.Publish(createCh, author, chSig, 2); err != nil {
		t.Fatalf("publish channel create: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := event.Message{GuildID: guild, ChannelID: channelID, MessageID: "m", Content: "hi"}
			createdAt := int64(1000 + i)
			sig := event.Sign(priv, body, author, createdAt)
			_, err := e.Publish(body, author, sig, createdAt)
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	log, _ := e.Store().GetLog(guild)
	if len(log) != n+2 {
		t.Fatalf("expected %d events, got %d", n+2, len(log))
	}
	seen := map[uint64]bool{}
	for _, ev := range log {
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	for i := uint64(0); i < uint64(n+2); i++ {
		if !seen[i] {
			t.Fatalf("missing seq %d", i)
		}
	}
	s, err := e.StateAt(guild)
	if err != nil {
		t.Fatal(err)
	}
	if s.HeadSeq != uint64(n+1) {
		t.Fatalf("expected headSeq %d, got %d", n+1, s.HeadSeq)
	}
}

// TestE2E6ForgedSignature mirrors E2E-6: a publish whose body is authored by
// one key but signed by another is rejected and the log is unchanged.
func TestE2E6ForgedSignature(t *testing.T) {
	e, _ := newEngine()
	author, priv := crypto.RandomAsymetricKey()
	g := publishGenesis(t, e, author, priv, event.AccessPublic)
	guild := g.Body.(event.GuildCreate).GuildID

	_, otherPriv := crypto.RandomAsymetricKey()
	body := event.Message{GuildID: guild, ChannelID: guild, MessageID: "m", Content: "hi"}
	createdAt := int64(2)
	forgedSig := event.Sign(otherPriv, body, author, createdAt)
	_, err := e.Publish(body, author, forgedSig, createdAt)
	if err == nil {
		t.Fatal("expected forged signature to be rejected")
	}
	ierr, ok := err.(*IngestError)
	if !ok || ierr.Code != CodeInvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE, got %v", err)
	}
	log, _ := e.Store().GetLog(guild)
	if len(log) != 1 {
		t.Fatalf("expected log unchanged at 1 event, got %d", len(log))
	}
}

func TestPublishToUnknownGuildRequiresGuildCreate(t *testing.T) {
	e, _ := newEngine()
	author, priv := crypto.RandomAsymetricKey()
	guild := crypto.Hasher([]byte("nonexistent"))
	body := event.Message{GuildID: guild, ChannelID: guild, MessageID: "m", Content: "hi"}
	sig := event.Sign(priv, body, author, 1)
	_, err := e.Publish(body, author, sig, 1)
	if err == nil {
		t.Fatal("expected rejection of a non-GUILD_CREATE first event")
	}
}

func TestCheckpointRequiresRelayKey(t *testing.T) {
	e, _ := newEngine()
	author, priv := crypto.RandomAsymetricKey()
	g := publishGenesis(t, e, author, priv, event.AccessPublic)
	guild := g.Body.(event.GuildCreate).GuildID

	body := event.Checkpoint{GuildID: guild, Seq: 1, RootHash: "ff", State: "{}"}
	createdAt := int64(2)
	sig := event.Sign(priv, body, author, createdAt)
	_, err := e.Publish(body, author, sig, createdAt)
	if err == nil {
		t.Fatal("expected checkpoint authored by a non-relay key to be rejected")
	}
}

func TestBroadcastFiresOnSuccessfulPublish(t *testing.T) {
	e, b := newEngine()
	author, priv := crypto.RandomAsymetricKey()
	publishGenesis(t, e, author, priv, event.AccessPublic)
	if len(b.events) != 1 {
		t.Fatalf("expected genesis to be broadcast, got %d events", len(b.events))
	}
}
