package policy

import "testing"

func TestAllowNamedRequest(t *testing.T) {
	p := Default()
	p.NamedRequests = []NamedRequestRule{{Name: "slack-post", BodyTemplate: `{"text":"{{.msg}}"}`}}

	if _, ok := p.AllowNamedRequest("slack-post"); !ok {
		t.Fatalf("expected slack-post to be allowed")
	}
	if _, ok := p.AllowNamedRequest("unknown"); ok {
		t.Fatalf("expected unknown request to be denied")
	}
}

func TestAllowSharedNamespace(t *testing.T) {
	p := Default()
	p.SharedNamespaces = []SharedNamespaceGrant{{Namespace: "team-alerts", Read: true, Write: false}}

	if !p.AllowSharedRead("team-alerts") {
		t.Fatalf("expected read grant")
	}
	if p.AllowSharedWrite("team-alerts") {
		t.Fatalf("expected write to be denied")
	}
	if p.AllowSharedRead("other") {
		t.Fatalf("expected ungranted namespace to be denied")
	}
}

func TestAllowLogbackType(t *testing.T) {
	t.Run("empty allowlist permits any type", func(t *testing.T) {
		p := Default()
		if !p.AllowLogbackType("anything") {
			t.Fatalf("expected empty allowlist to permit all types")
		}
	})

	t.Run("non-empty allowlist restricts", func(t *testing.T) {
		p := Default()
		p.LogTypeEmitAllowlist = []string{"alerts"}
		if !p.AllowLogbackType("alerts") {
			t.Fatalf("expected alerts to be allowed")
		}
		if p.AllowLogbackType("other") {
			t.Fatalf("expected other to be denied")
		}
	})
}

func TestCryptoGrants(t *testing.T) {
	p := Default()
	p.CryptographyKeys["k1"] = CryptoKeyGrant{Encrypt: true}

	if !p.AllowCryptoEncrypt("k1") {
		t.Fatalf("expected encrypt grant")
	}
	if p.AllowCryptoDecrypt("k1") {
		t.Fatalf("expected decrypt to be denied")
	}
	if p.AllowCryptoEncrypt("k2") {
		t.Fatalf("expected ungranted key to be denied")
	}
}

func TestAllowJWTExtraFields(t *testing.T) {
	p := Default()
	p.JWTExtraFieldAllowlist = []string{"role", "team"}

	if !p.AllowJWTExtraFields([]string{"role", "team"}) {
		t.Fatalf("expected allowed fields to pass")
	}
	if p.AllowJWTExtraFields([]string{"role", "admin"}) {
		t.Fatalf("expected disallowed field to fail the whole set")
	}
}

func TestTestModeStub(t *testing.T) {
	p := Default()
	p.TestMode = true
	p.TestModeNamedRequests = []string{"slack-post"}

	if !p.TestModeStub("slack-post") {
		t.Fatalf("expected slack-post to stub in test mode")
	}
	if p.TestModeStub("other") {
		t.Fatalf("expected other to fall through to live dispatch")
	}

	p.TestMode = false
	if p.TestModeStub("slack-post") {
		t.Fatalf("expected stubbing to be disabled outside test mode")
	}
}

func TestLookupPrecedence(t *testing.T) {
	registered := map[string]string{"x-api-key": "from-header"}
	secrets := map[string]string{"x-api-key": "from-secret", "only-secret": "s"}
	accessory := map[string]string{"x-api-key": "from-accessory", "only-accessory": "a"}

	v, ok := Lookup(registered, secrets, accessory, "x-api-key")
	if !ok || v != "from-header" {
		t.Fatalf("expected registered value to win, got %q", v)
	}

	v, ok = Lookup(registered, secrets, accessory, "only-secret")
	if !ok || v != "s" {
		t.Fatalf("expected secret fallback, got %q", v)
	}

	v, ok = Lookup(registered, secrets, accessory, "only-accessory")
	if !ok || v != "a" {
		t.Fatalf("expected accessory fallback, got %q", v)
	}

	if _, ok := Lookup(registered, secrets, accessory, "missing"); ok {
		t.Fatalf("expected missing name to fail lookup")
	}
}

func TestLivePolicyReloadIsAtomic(t *testing.T) {
	lp := NewLivePolicy(Default())
	v1 := lp.Version()

	updated := Default()
	updated.JWTKeyIDs = []string{"kid-1"}
	lp.Reload(updated)

	v2 := lp.Version()
	if v1 == v2 {
		t.Fatalf("expected version fingerprint to change after reload")
	}
	if !lp.Snapshot().AllowJWTKeyID("kid-1") {
		t.Fatalf("expected reloaded policy to be visible")
	}
}

func TestLogbacksAllowedConstructors(t *testing.T) {
	if !UnlimitedLogbacks().Unlimited {
		t.Fatalf("expected unlimited")
	}
	if LimitedLogbacks(-5).Ceiling != 0 {
		t.Fatalf("expected negative ceiling to clamp to zero")
	}
}
