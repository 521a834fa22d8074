package hotcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ecelabs/tiermem/memory"
	"github.com/ecelabs/tiermem/memory/hotcache"
)

func testCache(t *testing.T) (*hotcache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return hotcache.New(client, hotcache.Config{TTL: time.Minute}), mr
}

func TestSaveAndReadActiveContext(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	if st := c.SaveActiveContext(ctx, "s1", "user: hi\nassistant: hello"); st != memory.StatusOK {
		t.Fatalf("save failed: %v", st)
	}
	got, st := c.ActiveContext(ctx, "s1")
	if st != memory.StatusOK {
		t.Fatalf("read failed: %v", st)
	}
	if got != "user: hi\nassistant: hello" {
		t.Errorf("unexpected transcript: %q", got)
	}
}

func TestMissingSessionReadsEmpty(t *testing.T) {
	c, _ := testCache(t)
	got, st := c.ActiveContext(context.Background(), "never-seen")
	if st != memory.StatusOK || got != "" {
		t.Errorf("absent session should read empty with StatusOK, got %q/%v", got, st)
	}
}

func TestContextExpiresWithTTL(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	c.SaveActiveContext(ctx, "s1", "transient")
	mr.FastForward(2 * time.Minute)

	got, st := c.ActiveContext(ctx, "s1")
	if st != memory.StatusOK || got != "" {
		t.Errorf("expired context should read empty, got %q/%v", got, st)
	}
}

func TestTouchAndLastActive(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	if st := c.TouchSession(ctx, "s1"); st != memory.StatusOK {
		t.Fatalf("touch failed: %v", st)
	}
	ts, st := c.LastActive(ctx, "s1")
	if st != memory.StatusOK {
		t.Fatalf("last-active read failed: %v", st)
	}
	if ts.Before(before) {
		t.Errorf("last-active timestamp too old: %v", ts)
	}
}

func TestClearSession(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	c.SaveActiveContext(ctx, "s1", "something")
	c.TouchSession(ctx, "s1")
	if st := c.ClearSession(ctx, "s1"); st != memory.StatusOK {
		t.Fatalf("clear failed: %v", st)
	}

	got, _ := c.ActiveContext(ctx, "s1")
	if got != "" {
		t.Errorf("cleared session should read empty, got %q", got)
	}
	ts, _ := c.LastActive(ctx, "s1")
	if !ts.IsZero() {
		t.Errorf("cleared session should have no last-active, got %v", ts)
	}
}

func TestNilClientDegrades(t *testing.T) {
	c := hotcache.New(nil, hotcache.DefaultConfig)
	ctx := context.Background()

	if st := c.SaveActiveContext(ctx, "s1", "dropped"); st != memory.StatusUnavailable {
		t.Errorf("nil-client write should report unavailable, got %v", st)
	}
	got, st := c.ActiveContext(ctx, "s1")
	if got != "" || st != memory.StatusUnavailable {
		t.Errorf("nil-client read should degrade to empty, got %q/%v", got, st)
	}
}

func TestDeadConnectionDegrades(t *testing.T) {
	c, mr := testCache(t)
	mr.Close()

	got, st := c.ActiveContext(context.Background(), "s1")
	if got != "" || st != memory.StatusUnavailable {
		t.Errorf("dead backend should degrade, got %q/%v", got, st)
	}
	if st := c.SaveActiveContext(context.Background(), "s1", "x"); st != memory.StatusUnavailable {
		t.Errorf("dead backend write should report unavailable, got %v", st)
	}
}
