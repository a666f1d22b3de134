package throttle

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/infodancer/smtpd/internal/envelope"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreRateLimit(t *testing.T) {
	store := newTestRedisStore(t)
	rule := Rule{Name: "conn", KeyParts: []KeyPart{KeyRemoteIP}, Rate: 2, Window: time.Minute}
	e := envelopeWithRemoteIP("1.2.3.4")

	for i := 0; i < 2; i++ {
		ok, _, err := store.Admit(rule, e)
		if err != nil || !ok {
			t.Fatalf("admit %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, _, err := store.Admit(rule, e)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third admit should be rejected by rate limit")
	}
}

func TestRedisStoreConcurrencyCap(t *testing.T) {
	store := newTestRedisStore(t)
	rule := Rule{Name: "conc", KeyParts: []KeyPart{KeyRemoteIP}, MaxConcurrent: 1}
	e := envelopeWithRemoteIP("1.2.3.4")

	ok, release, err := store.Admit(rule, e)
	if err != nil || !ok {
		t.Fatalf("first admit: ok=%v err=%v", ok, err)
	}
	ok2, _, err := store.Admit(rule, e)
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("second concurrent admit should be rejected")
	}
	release()
	ok3, _, err := store.Admit(rule, e)
	if err != nil || !ok3 {
		t.Fatalf("admit after release: ok=%v err=%v", ok3, err)
	}
}
