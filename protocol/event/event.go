package event

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainguild/cgp/crypto"
)

var (
	ErrNotGenesis        = errors.New("event: seq 0 must be a GUILD_CREATE body")
	ErrGenesisMismatch   = errors.New("event: GUILD_CREATE.guildId must equal the event's own id")
	ErrGuildScopeMismatch = errors.New("event: body.guildId does not match the event's guild")
	ErrBadSequence       = errors.New("event: seq must increase by exactly one")
	ErrBadPrevHash       = errors.New("event: prevHash does not match the previous event's id")
	ErrBadID             = errors.New("event: id does not match its canonical hash")
	ErrBadSignature      = errors.New("event: signature does not verify")
	ErrEmptyLog          = errors.New("event: log is empty")
)

// Event is a single record in a guild log: signed, hash-linked,
// sequence-numbered.
type Event struct {
	ID        crypto.Hash
	Seq       uint64
	PrevHash  *crypto.Hash
	CreatedAt int64 // milliseconds since epoch, informational only
	Author    crypto.Token
	Body      Body
	Signature crypto.Signature
}

// unsignedValue is the canonical form hashed to produce the event id. id and
// signature are excluded.
func (e Event) unsignedValue() any {
	m := map[string]any{
		"seq":       float64(e.Seq),
		"createdAt": float64(e.CreatedAt),
		"author":    e.Author.String(),
		"body":      canonicalValueOf(e.Body),
	}
	if e.PrevHash != nil {
		m["prevHash"] = e.PrevHash.String()
	} else {
		m["prevHash"] = nil
	}
	return m
}

// SigningValue is the canonical form signed by the author. It deliberately
// excludes seq/prevHash so a relay may assign them on the client's behalf.
func SigningValue(body Body, author crypto.Token, createdAt int64) any {
	return map[string]any{
		"body":      canonicalValueOf(body),
		"author":    author.String(),
		"createdAt": float64(createdAt),
	}
}

// SigningDigest returns the bytes an author signs for a given body.
func SigningDigest(body Body, author crypto.Token, createdAt int64) []byte {
	return crypto.Canonical(SigningValue(body, author, createdAt))
}

// Sign produces the signature for an unsequenced publish.
func Sign(priv crypto.PrivateKey, body Body, author crypto.Token, createdAt int64) crypto.Signature {
	return priv.Sign(SigningDigest(body, author, createdAt))
}

// ComputeID computes the event id from an unsigned event missing only its
// id. It is the relay's and the client's single source of truth for "what
// hash does this event chain to".
func ComputeID(seq uint64, prevHash *crypto.Hash, createdAt int64, author crypto.Token, body Body) crypto.Hash {
	e := Event{Seq: seq, PrevHash: prevHash, CreatedAt: createdAt, Author: author, Body: body}
	return crypto.Hasher(crypto.Canonical(e.unsignedValue()))
}

// VerifySignature checks the author's signature over {body,author,createdAt}.
func (e Event) VerifySignature() bool {
	return e.Author.Verify(SigningDigest(e.Body, e.Author, e.CreatedAt), e.Signature)
}

// VerifyID recomputes the id and compares it against e.ID.
func (e Event) VerifyID() bool {
	return e.ID.Equal(ComputeID(e.Seq, e.PrevHash, e.CreatedAt, e.Author, e.Body))
}

// Seal assigns seq/prevHash, a relay-side job, and computes the resulting
// id. The signature is left untouched: it already
// covers body/author/createdAt and was produced before seq was known.
func Seal(body Body, author crypto.Token, createdAt int64, signature crypto.Signature, seq uint64, prevHash *crypto.Hash) Event {
	id := ComputeID(seq, prevHash, createdAt, author, body)
	return Event{
		ID:        id,
		Seq:       seq,
		PrevHash:  prevHash,
		CreatedAt: createdAt,
		Author:    author,
		Body:      body,
		Signature: signature,
	}
}

// wireEvent is the JSON-on-the-wire shape of an Event.
type wireEvent struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	PrevHash  *string         `json:"prevHash"`
	CreatedAt int64           `json:"createdAt"`
	Author    string          `json:"author"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

// MarshalJSON implements json.Marshaler, flattening Body's tagged union.
func (e Event) MarshalJSON() ([]byte, error) {
	bodyJSON, err := MarshalJSON(e.Body)
	if err != nil {
		return nil, err
	}
	w := wireEvent{
		ID:        e.ID.String(),
		Seq:       e.Seq,
		CreatedAt: e.CreatedAt,
		Author:    e.Author.String(),
		Body:      bodyJSON,
		Signature: hexSignature(e.Signature),
	}
	if e.PrevHash != nil {
		s := e.PrevHash.String()
		w.PrevHash = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, dispatching Body's tagged
// union.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := UnmarshalBody(w.Body)
	if err != nil {
		return err
	}
	sig, err := parseHexSignature(w.Signature)
	if err != nil {
		return err
	}
	e.ID = crypto.DecodeHash(w.ID)
	e.Seq = w.Seq
	e.CreatedAt = w.CreatedAt
	e.Author = crypto.DecodeToken(w.Author)
	e.Body = body
	e.Signature = sig
	if w.PrevHash != nil {
		h := crypto.DecodeHash(*w.PrevHash)
		e.PrevHash = &h
	} else {
		e.PrevHash = nil
	}
	return nil
}

func hexSignature(sig crypto.Signature) string {
	return fmt.Sprintf("%x", sig[:])
}

func parseHexSignature(s string) (crypto.Signature, error) {
	var sig crypto.Signature
	if s == "" {
		return sig, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != crypto.SignatureSize {
		return sig, crypto.ErrInvalidSignature
	}
	copy(sig[:], raw)
	return sig, nil
}

// ValidateChain checks the chain invariants over an ordered log. When
// allowGaps is false it requires strict seq density 0..len-1; when true it
// checks only seq-monotonicity and prevHash-matching between consecutive
// surviving events. allowGaps relaxes the seq check only: prevHash is still
// compared with the preceding surviving event's id, so a log from which an
// interior event has been deleted fails at the event after the deletion.
func ValidateChain(events []Event, allowGaps bool) error {
	if len(events) == 0 {
		return ErrEmptyLog
	}
	genesis := events[0]
	if !allowGaps && genesis.Seq != 0 {
		return ErrNotGenesis
	}
	gc, ok := genesis.Body.(GuildCreate)
	if !ok {
		return ErrNotGenesis
	}
	if !gc.GuildID.Equal(genesis.ID) {
		return ErrGenesisMismatch
	}
	var prev *Event
	for i, e := range events {
		if prev != nil {
			if allowGaps {
				if e.Seq <= prev.Seq {
					return ErrBadSequence
				}
			} else if e.Seq != prev.Seq+1 {
				return ErrBadSequence
			}
			if e.PrevHash == nil || !e.PrevHash.Equal(prev.ID) {
				return ErrBadPrevHash
			}
		} else if e.PrevHash != nil {
			return ErrBadPrevHash
		}
		if !e.VerifyID() {
			return fmt.Errorf("%w: seq %d", ErrBadID, e.Seq)
		}
		if !e.VerifySignature() {
			return fmt.Errorf("%w: seq %d", ErrBadSignature, e.Seq)
		}
		if i == 0 {
			prev = &events[i]
			continue
		}
		if e.Body.GuildScope().Equal(genesis.ID) == false && e.Body.Type() != TypeCheckpoint {
			// CHECKPOINT bodies carry guildId of the guild they checkpoint,
			// which equals genesis.ID too, so this branch only ever fires
			// for a genuinely mismatched guildId.
			if !e.Body.GuildScope().Equal(genesis.ID) {
				return fmt.Errorf("%w: seq %d", ErrGuildScopeMismatch, e.Seq)
			}
		}
		prev = &events[i]
	}
	return nil
}
