package cache

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*LatestCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	cache, err := NewLatestCache("redis://"+server.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache, server
}

func checkpoint(id string, at time.Time) threads.Message {
	snap := snapshot.Empty()
	snap.Source.SampleBank.Samples = []snapshot.Sample{{ID: "kick", Name: "Kick", Color: snapshot.Color{R: 200}}}
	return threads.Message{
		ID:        id,
		ClientID:  "local-" + id,
		ThreadID:  "thread-1",
		UserID:    "user-1",
		Timestamp: at,
		Snapshot:  &snap,
		Metadata:  snapshot.Metadata{SectionsCount: 0},
		Renders:   []threads.Render{{ID: "r1", URL: "https://cdn/r1.wav", UploadStatus: threads.UploadStatusCompleted}},
	}
}

func TestNewLatestCacheRejectsBadURL(t *testing.T) {
	if _, err := NewLatestCache("not a url", time.Minute); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLatestCacheRoundTrip(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	if _, ok, err := cache.Latest(ctx, "thread-1"); err != nil || ok {
		t.Fatalf("expected miss on empty cache, got ok=%v err=%v", ok, err)
	}

	at := time.Unix(1700000000, 0).UTC()
	if err := cache.StoreLatest(ctx, checkpoint("msg-1", at)); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	cached, ok, err := cache.Latest(ctx, "thread-1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if cached.ID != "msg-1" || !cached.Timestamp.Equal(at) || !cached.Confirmed() {
		t.Fatalf("unexpected cached message %+v", cached)
	}
	if cached.Snapshot == nil || len(cached.Snapshot.Source.SampleBank.Samples) != 1 || cached.Snapshot.Source.SampleBank.Samples[0].Name != "Kick" {
		t.Fatalf("unexpected cached snapshot %+v", cached.Snapshot)
	}
	if len(cached.Renders) != 1 || cached.Renders[0].URL != "https://cdn/r1.wav" {
		t.Fatalf("unexpected cached renders %+v", cached.Renders)
	}
}

func TestStoreLatestKeepsNewerEntry(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()
	newer := time.Unix(1700000100, 0).UTC()

	if err := cache.StoreLatest(ctx, checkpoint("msg-2", newer)); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if err := cache.StoreLatest(ctx, checkpoint("msg-1", newer.Add(-time.Minute))); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	cached, _, _ := cache.Latest(ctx, "thread-1")
	if cached.ID != "msg-2" {
		t.Fatalf("expected newer entry to survive, got %s", cached.ID)
	}
}

func TestLatestCacheExpiresAndInvalidates(t *testing.T) {
	cache, server := setupTestCache(t)
	ctx := context.Background()

	if err := cache.StoreLatest(ctx, checkpoint("msg-1", time.Unix(1700000000, 0).UTC())); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if err := cache.Invalidate(ctx, "thread-1"); err != nil {
		t.Fatalf("unexpected invalidate error: %v", err)
	}
	if _, ok, _ := cache.Latest(ctx, "thread-1"); ok {
		t.Fatalf("expected miss after invalidation")
	}

	if err := cache.StoreLatest(ctx, checkpoint("msg-1", time.Unix(1700000000, 0).UTC())); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	server.FastForward(2 * time.Minute)
	if _, ok, _ := cache.Latest(ctx, "thread-1"); ok {
		t.Fatalf("expected miss after ttl")
	}
}

func TestLatestDropsUndecodableEntries(t *testing.T) {
	cache, server := setupTestCache(t)
	if err := server.Set(key("thread-1"), "garbage"); err != nil {
		t.Fatalf("failed to seed redis: %v", err)
	}
	if _, ok, err := cache.Latest(context.Background(), "thread-1"); ok || err != nil {
		t.Fatalf("expected silent miss, got ok=%v err=%v", ok, err)
	}
	if server.Exists(key("thread-1")) {
		t.Fatalf("expected corrupt entry to be deleted")
	}
}
