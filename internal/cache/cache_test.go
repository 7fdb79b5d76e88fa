package cache

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New[int](time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("empty cache returned a hit")
	}
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get = (%v, %v), want (1, true)", v, ok)
	}
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("overwrite: Get = %v, want 2", v)
	}
}

func TestExpiry(t *testing.T) {
	c := New[string](time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry missed")
	}

	now = now.Add(time.Minute + time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry returned a hit")
	}
}

func TestPurge(t *testing.T) {
	c := New[int](time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("old", 1)
	now = now.Add(30 * time.Second)
	c.Set("fresh", 2)
	now = now.Add(45 * time.Second) // "old" is past TTL, "fresh" is not

	if removed := c.Purge(); removed != 1 {
		t.Errorf("Purge removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d after purge, want 1", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("purge dropped a live entry")
	}
}

func TestDelete(t *testing.T) {
	c := New[int](time.Minute)
	c.Set("k", 1)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted entry returned a hit")
	}
}
