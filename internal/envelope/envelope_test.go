package envelope

import "testing"

func TestKeyDisciplineRejectsEarlyKey(t *testing.T) {
	e := New()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic setting recipient before rcpt stage")
		}
	}()
	e.Set(KeyRecipient, "bob@example.com")
}

func TestKeyDisciplineAllowsProgressiveKeys(t *testing.T) {
	e := New()
	e.Set(KeyRemoteIP, "10.0.0.1")
	e.Advance(StageHelo)
	e.Set(KeyHeloDomain, "mail.example.com")
	e.Advance(StageMail)
	e.Set(KeySender, "alice@example.com")
	e.Advance(StageRcpt)
	e.Set(KeyRecipient, "bob@example.com")

	if v, _ := e.Get(KeyRemoteIP); v != "10.0.0.1" {
		t.Fatalf("remote_ip = %q", v)
	}
	if v, _ := e.Get(KeyRecipient); v != "bob@example.com" {
		t.Fatalf("recipient = %q", v)
	}
}

func TestResetClearsTransactionKeysKeepsConnection(t *testing.T) {
	e := New()
	e.Set(KeyRemoteIP, "10.0.0.1")
	e.Advance(StageMail)
	e.Set(KeySender, "alice@example.com")

	e.Reset()

	if _, ok := e.Get(KeySender); ok {
		t.Fatal("sender should be cleared by Reset")
	}
	if v, ok := e.Get(KeyRemoteIP); !ok || v != "10.0.0.1" {
		t.Fatal("remote_ip should survive Reset")
	}
	if e.Stage() != StageAuth {
		t.Fatalf("stage after reset = %s, want auth", e.Stage())
	}
}

func TestAllowedAt(t *testing.T) {
	if AllowedAt(StageConnect, KeyRecipient) {
		t.Fatal("recipient should not be available at connect stage")
	}
	if !AllowedAt(StageRcpt, KeyRecipient) {
		t.Fatal("recipient should be available at rcpt stage")
	}
}
