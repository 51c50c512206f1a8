package password

import (
	"strings"
	"testing"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()

	h, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("hasher init failed: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher(t)

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("not a PHC string: %q", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}

	ok, err = h.Verify("wrong password!", encoded)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatal("wrong password verified")
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := testHasher(t)

	a, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	b, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password are identical")
	}
}

func TestShortPasswordRejected(t *testing.T) {
	h := testHasher(t)

	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestVerifyRejectsMalformedPHC(t *testing.T) {
	h := testHasher(t)

	cases := []string{
		"",
		"not a phc string",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaGhhc2hoYXNoaGFzaA",
	}
	for _, encoded := range cases {
		if _, err := h.Verify("whatever password", encoded); err == nil {
			t.Fatalf("expected parse error for %q", encoded)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak := testHasher(t)
	encoded, err := weak.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	strong, err := NewHasher(Config{
		Memory:      16 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("hasher init failed: %v", err)
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("needs upgrade errored: %v", err)
	}
	if !upgrade {
		t.Fatal("stronger config should require upgrade")
	}

	upgrade, err = weak.NeedsUpgrade(encoded)
	if err != nil || upgrade {
		t.Fatalf("same config should not require upgrade: %v %v", upgrade, err)
	}

	// A stronger hash still verifies under the old config's parser.
	ok, err := weak.Verify("correct horse battery", encoded)
	if err != nil || !ok {
		t.Fatalf("verify failed: %v %v", ok, err)
	}
}

func TestNewHasherRejectsWeakParameters(t *testing.T) {
	cases := []Config{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{Memory: 8 * 1024, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{Memory: 8 * 1024, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 16},
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}
	for i, cfg := range cases {
		if _, err := NewHasher(cfg); err == nil {
			t.Fatalf("case %d: expected rejection", i)
		}
	}
}
