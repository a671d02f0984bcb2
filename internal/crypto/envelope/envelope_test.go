package envelope

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("attack at dawn, bring snacks")

	env, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(env.IV) != ivSize {
		t.Fatalf("expected %d byte iv, got %d", ivSize, len(env.IV))
	}
	if bytes.Equal(env.Ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	recovered, err := Open(env, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("round trip mismatch: %q vs %q", recovered, plaintext)
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	key := testKey(t)
	env1, err := Seal([]byte("same message"), key)
	if err != nil {
		t.Fatalf("seal 1: %v", err)
	}
	env2, err := Seal([]byte("same message"), key)
	if err != nil {
		t.Fatalf("seal 2: %v", err)
	}
	if bytes.Equal(env1.IV, env2.IV) {
		t.Fatal("iv reused across seals")
	}
	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Fatal("expected distinct ciphertexts under fresh ivs")
	}
}

func TestOpenRejectsTamperedMAC(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("integrity matters"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	env.MAC[0] ^= 0x01
	if _, err := Open(env, key); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("integrity matters"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	env.Ciphertext[len(env.Ciphertext)-1] ^= 0x80
	if _, err := Open(env, key); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	env, err := Seal([]byte("secret"), testKey(t))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(env, testKey(t)); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity under wrong key, got %v", err)
	}
}

func TestOpenRejectsStaleEnvelope(t *testing.T) {
	t.Cleanup(func() { now = time.Now })

	key := testKey(t)
	sealed := time.Now()
	now = func() time.Time { return sealed }
	env, err := Seal([]byte("old news"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	now = func() time.Time { return sealed.Add(FreshnessWindow + time.Second) }
	if _, err := Open(env, key); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	// Just inside the window still opens.
	now = func() time.Time { return sealed.Add(FreshnessWindow - time.Second) }
	if _, err := Open(env, key); err != nil {
		t.Fatalf("expected fresh envelope to open, got %v", err)
	}
}

func TestIntegrityCheckedBeforeFreshness(t *testing.T) {
	t.Cleanup(func() { now = time.Now })

	key := testKey(t)
	sealed := time.Now()
	now = func() time.Time { return sealed }
	env, err := Seal([]byte("tampered and old"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	env.MAC[3] ^= 0x10
	now = func() time.Time { return sealed.Add(time.Hour) }
	if _, err := Open(env, key); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity to win over staleness, got %v", err)
	}
}

func TestSealRejectsBadKeySize(t *testing.T) {
	if _, err := Seal([]byte("data"), []byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := Open(Envelope{}, make([]byte, KeySize+1)); err == nil {
		t.Fatal("expected error for oversized key")
	}
}
