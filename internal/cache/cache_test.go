package cache

import (
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := New(time.Minute, true)
	c.Set("600519:A-share", "Kweichow Moutai")

	got, ok := c.Get("600519:A-share")
	if !ok || got != "Kweichow Moutai" {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("unexpected hit for missing key")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(time.Millisecond, true)
	c.Set("key", "value")
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("key"); ok {
		t.Fatalf("expired entry still served")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted, len = %d", c.Len())
	}
}

func TestDisabledCacheStoresNothing(t *testing.T) {
	c := New(time.Minute, false)
	c.Set("key", "value")
	if _, ok := c.Get("key"); ok {
		t.Fatalf("disabled cache returned a value")
	}
	if c.Len() != 0 {
		t.Fatalf("disabled cache stored an entry")
	}
}

func TestCacheClear(t *testing.T) {
	c := New(time.Minute, true)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("len after clear = %d", c.Len())
	}
}
