package security

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// newTestHasher uses a reduced cost profile so the suite stays fast; the
// floor constants still hold.
func newTestHasher(t testing.TB) *Argon2Hasher {
	t.Helper()
	h, err := NewArgon2Hasher(HasherParams{
		MemoryKB:    8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("failed to build test hasher: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)

	rapid.Check(t, func(t *rapid.T) {
		password := rapid.StringMatching(`[ -~]{1,64}`).Draw(t, "password")

		encoded, err := h.Hash(password)
		if err != nil {
			t.Fatalf("Hash failed: %v", err)
		}

		// PHC format with embedded parameters.
		if !strings.HasPrefix(encoded, "$argon2id$") {
			t.Fatalf("unexpected hash prefix: %s", encoded)
		}
		if strings.Contains(encoded, password) && len(password) > 3 {
			t.Fatal("hash embeds the raw password")
		}

		ok, err := h.Verify(password, encoded)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !ok {
			t.Fatal("correct password did not verify")
		}

		// A different password must not verify.
		other := password + "x"
		ok, err = h.Verify(other, encoded)
		if err != nil {
			t.Fatalf("Verify(other) failed: %v", err)
		}
		if ok {
			t.Fatal("wrong password verified")
		}
	})
}

func TestHashesAreSalted(t *testing.T) {
	h := newTestHasher(t)

	first, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	second, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if first == second {
		t.Error("two hashes of the same password are identical; salt is not random")
	}
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := newTestHasher(t)

	cases := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not phc", "plainhash"},
		{"wrong algorithm", "$bcrypt$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA=="},
		{"missing version", "$argon2id$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA==$x"},
		{"bad params", "$argon2id$v=19$m=abc,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA=="},
		{"bad salt b64", "$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA=="},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Verify("password", tc.encoded); err == nil {
				t.Error("malformed hash verified without error")
			}
		})
	}
}

func TestNewArgon2HasherRejectsWeakParams(t *testing.T) {
	weak := []HasherParams{
		{MemoryKB: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{MemoryKB: 8 * 1024, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{MemoryKB: 8 * 1024, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 16},
		{MemoryKB: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},
		{MemoryKB: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}

	for _, params := range weak {
		if _, err := NewArgon2Hasher(params); err == nil {
			t.Errorf("accepted weak params %+v", params)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := newTestHasher(t)
	encoded, err := weak.Hash("password-value")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	// The same profile does not ask for a rehash.
	needs, err := weak.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash failed: %v", err)
	}
	if needs {
		t.Error("hash under the current profile reported as stale")
	}

	// A stronger profile does.
	strong, err := NewArgon2Hasher(HasherParams{
		MemoryKB:    16 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("failed to build strong hasher: %v", err)
	}
	needs, err = strong.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash failed: %v", err)
	}
	if !needs {
		t.Error("hash under a weaker profile not reported as stale")
	}
}
