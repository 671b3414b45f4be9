package password

import (
	"strings"
	"testing"
)

func testConfig() Config {
	// Minimum legal costs keep the test suite fast.
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hasher, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("new hasher failed: %v", err)
	}

	encoded, err := hasher.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected PHC prefix: %q", encoded)
	}

	ok, err := hasher.Verify("correct horse battery staple", encoded)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected matching password to verify")
	}

	ok, err = hasher.Verify("wrong horse battery staple", encoded)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail")
	}
}

func TestHashesAreSalted(t *testing.T) {
	hasher, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("new hasher failed: %v", err)
	}

	first, err := hasher.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	second, err := hasher.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct salts per hash")
	}
}

func TestShortPasswordRejected(t *testing.T) {
	hasher, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("new hasher failed: %v", err)
	}
	if _, err := hasher.Hash("short"); err == nil {
		t.Fatal("expected short password to be rejected")
	}
}

func TestMalformedHashRejected(t *testing.T) {
	hasher, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("new hasher failed: %v", err)
	}

	cases := []string{
		"",
		"plainhash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
	}
	for _, encoded := range cases {
		if _, err := hasher.Verify("any password here", encoded); err == nil {
			t.Fatalf("expected malformed hash rejected: %q", encoded)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("new hasher failed: %v", err)
	}
	encoded, err := weak.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	strongCfg := testConfig()
	strongCfg.Memory = 64 * 1024
	strong, err := NewArgon2(strongCfg)
	if err != nil {
		t.Fatalf("new hasher failed: %v", err)
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("needs upgrade failed: %v", err)
	}
	if !upgrade {
		t.Fatal("expected weaker hash to need upgrade")
	}

	same, err := weak.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("needs upgrade failed: %v", err)
	}
	if same {
		t.Fatal("expected same-cost hash to not need upgrade")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	bad := testConfig()
	bad.Memory = 1024
	if _, err := NewArgon2(bad); err == nil {
		t.Fatal("expected low memory config rejected")
	}
}
