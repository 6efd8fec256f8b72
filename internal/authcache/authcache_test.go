package authcache

import (
	"testing"
	"time"
)

func TestHitAndMiss(t *testing.T) {
	c := New()

	c.SetResult("alice", "secret", true)

	res, found := c.GetResult("alice", "secret")
	if !found || !res {
		t.Fatalf("GetResult = %v, %v, want true, true", res, found)
	}
	if _, found := c.GetResult("alice", "wrong"); found {
		t.Fatal("wrong password must miss")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Sets != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.HitRate != 0.5 {
		t.Errorf("hitRate = %v, want 0.5", s.HitRate)
	}
}

func TestNegativeVerdictIsCachedDistinctly(t *testing.T) {
	c := New()
	c.SetResult("bob", "badpass", false)

	res, found := c.GetResult("bob", "badpass")
	if !found || res {
		t.Fatalf("GetResult = %v, %v, want false, true", res, found)
	}
}

func TestExpiry(t *testing.T) {
	c := NewWithTTL(20*time.Millisecond, 5*time.Millisecond)
	c.SetResult("alice", "secret", true)

	time.Sleep(50 * time.Millisecond)
	if _, found := c.GetResult("alice", "secret"); found {
		t.Fatal("entry survived past its TTL")
	}
}

func TestInvalidateUser(t *testing.T) {
	c := New()
	c.SetResult("alice", "one", true)
	c.SetResult("alice", "two", false)
	c.SetResult("bob", "three", true)

	if removed := c.InvalidateUser("alice"); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, found := c.GetResult("alice", "one"); found {
		t.Error("alice entry still cached")
	}
	if _, found := c.GetResult("bob", "three"); !found {
		t.Error("bob entry was dropped")
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.SetResult("alice", "secret", true)
	c.Clear()
	if s := c.Stats(); s.Size != 0 {
		t.Errorf("size after clear = %d", s.Size)
	}
}

func TestSaltedKeysDifferAcrossInstances(t *testing.T) {
	a, b := New(), New()
	if a.key("alice", "secret") == b.key("alice", "secret") {
		t.Error("keys should be instance-salted")
	}
}
