package crypto

import "testing"

func TestSignAndVerify(t *testing.T) {
	token, priv := RandomAsymetricKey()
	msg := []byte("hello guild")
	sig := priv.Sign(msg)
	if !token.Verify(msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if token.Verify([]byte("tampered"), sig) {
		t.Fatal("expected signature to fail on tampered message")
	}
	_, other := RandomAsymetricKey()
	otherSig := other.Sign(msg)
	if token.Verify(msg, otherSig) {
		t.Fatal("expected signature from a different key to fail")
	}
}

func TestCanonicalDeterminism(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": "x", "c": []any{1.0, 2.0, 3.0}}
	b := map[string]any{"c": []any{1.0, 2.0, 3.0}, "a": "x", "b": 1.0}
	if string(Canonical(a)) != string(Canonical(b)) {
		t.Fatal("expected canonical encoding to be independent of map iteration order")
	}
	want := `{"a":"x","b":1,"c":[1,2,3]}`
	if got := string(Canonical(a)); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCanonicalEscapesNonASCII(t *testing.T) {
	got := string(Canonical("café"))
	want := "\"caf\\u00e9\""
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestECDHSymmetric(t *testing.T) {
	tokenA, privA := RandomAsymetricKey()
	tokenB, privB := RandomAsymetricKey()
	sharedA, err := privA.ECDH(tokenB)
	if err != nil {
		t.Fatal(err)
	}
	sharedB, err := privB.ECDH(tokenA)
	if err != nil {
		t.Fatal(err)
	}
	if !sharedA.Equal(sharedB) {
		t.Fatal("expected ECDH shared secret to be symmetric")
	}
}

func TestCipherSealOpen(t *testing.T) {
	tokenA, privA := RandomAsymetricKey()
	_, privB := RandomAsymetricKey()
	shared, _ := privA.ECDH(tokenA)
	cipher, err := CipherFromSharedSecret(shared)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := cipher.Seal([]byte("top secret"))
	if err != nil {
		t.Fatal(err)
	}
	opened, err := cipher.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != "top secret" {
		t.Fatalf("got %q", opened)
	}
	otherShared, _ := privB.ECDH(tokenA)
	otherCipher, _ := CipherFromSharedSecret(otherShared)
	if _, err := otherCipher.Open(sealed); err == nil {
		t.Fatal("expected open with wrong key to fail")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/relay.key"
	_, priv := RandomAsymetricKey()
	if err := WriteEncryptedKeyFile(path, priv, []byte("hunter2")); err != nil {
		t.Fatal(err)
	}
	got, err := ReadEncryptedKeyFile(path, []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if got != priv {
		t.Fatal("expected round-tripped key to match")
	}
	if _, err := ReadEncryptedKeyFile(path, []byte("wrong")); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}
}
