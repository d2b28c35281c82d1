package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/spi"
)

func sample(id string, models ...string) Record {
	return Record{
		ID:           id,
		Address:      spi.Address{Host: "10.0.0.1", Port: 8080},
		Capabilities: registry.Capabilities{CPUCores: 4, TotalMemory: 1 << 30, Models: models},
	}
}

func exerciseStore(t *testing.T, st WorkerStore) {
	t.Helper()
	ctx := context.Background()
	if err := st.Save(ctx, sample("b", "gemma")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Save(ctx, sample("a", "llama")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Save(ctx, sample("a", "mistral")); err != nil {
		t.Fatalf("save: %v", err)
	}
	recs, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[0].Capabilities.Models[0] != "mistral" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if err := st.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ = st.LoadAll(ctx)
	if len(recs) != 1 || recs[0].ID != "b" {
		t.Fatalf("unexpected records after delete %+v", recs)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	st, err := NewRedisStore(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)

	if !mr.Exists(DefaultRedisKey) {
		t.Fatalf("expected hash %s", DefaultRedisKey)
	}
	mr.HSet(DefaultRedisKey, "junk", "not json")
	recs, err := st.LoadAll(context.Background())
	if err != nil || len(recs) != 1 {
		t.Fatalf("corrupt entries should be skipped: %v %+v", err, recs)
	}

	// a second client sees the persisted workers
	st2, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer st2.Close()
	if recs, _ := st2.LoadAll(context.Background()); len(recs) != 1 || recs[0].ID != "b" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisStore(context.Background(), addr); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"redis://host1:6379,host2:6379/0", 2, "", 0, false},
		{"rediss://localhost:6380?db=3", 1, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v", tt.url, opts.TLSConfig != nil)
		}
	}
	for _, bad := range []string{"http://localhost", "redis://localhost/x"} {
		if _, err := parseRedisURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fail  bool
	saves int
}

func (f *flakyStore) Save(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.fail {
		return errors.New("unavailable")
	}
	return f.MemoryStore.Save(ctx, rec)
}

func TestSyncerMirrorsRegistry(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: NewMemoryStore()}
	reg := registry.New()
	s := NewSyncer(st)
	s.Watch(reg)

	reg.Register("w1", spi.Address{Host: "h", Port: 1}, registry.Capabilities{Models: []string{"m"}})
	reg.Register("w2", spi.Address{Host: "h", Port: 2}, registry.Capabilities{Models: []string{"m"}})
	s.Flush(ctx)
	recs, _ := st.LoadAll(ctx)
	if len(recs) != 2 {
		t.Fatalf("expected two records, got %+v", recs)
	}

	// load changes are runtime state and are not written
	before := st.saves
	reg.AdjustLoad("w1", 0.5)
	reg.RecordProbe("w1", registry.ProbeOutcome{Alive: true})
	if s.Pending() != 0 {
		t.Fatalf("runtime-only change left %d pending", s.Pending())
	}
	s.Flush(ctx)
	if st.saves != before {
		t.Fatalf("runtime-only change was persisted")
	}

	reg.SetStatus("w1", registry.StatusMaintenance)
	reg.Unregister("w2")
	s.Flush(ctx)
	recs, _ = st.LoadAll(ctx)
	if len(recs) != 1 || !recs[0].Maintenance {
		t.Fatalf("unexpected records %+v", recs)
	}

	st.fail = true
	reg.Register("w3", spi.Address{Host: "h", Port: 3}, registry.Capabilities{})
	s.Flush(ctx)
	if s.Pending() != 1 {
		t.Fatalf("failed write should stay pending, got %d", s.Pending())
	}
	st.fail = false
	s.Flush(ctx)
	if s.Pending() != 0 {
		t.Fatalf("retry did not clear pending")
	}
}

func TestSyncerRestore(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	rec := sample("w1", "gemma")
	rec.Maintenance = true
	_ = st.Save(ctx, rec)
	_ = st.Save(ctx, sample("w2", "gemma"))

	reg := registry.New()
	s := NewSyncer(st)
	n, err := s.Restore(ctx, reg)
	if err != nil || n != 2 {
		t.Fatalf("restore: %d %v", n, err)
	}
	s.Watch(reg)
	w, _ := reg.Get("w1")
	if w.Status != registry.StatusMaintenance {
		t.Fatalf("maintenance not restored: %s", w.Status)
	}
	if got := reg.ListCandidates("gemma"); len(got) != 2 {
		t.Fatalf("unexpected candidates %v", got)
	}
	if s.Pending() != 0 {
		t.Fatalf("restored workers should not be rewritten")
	}
}

func TestSyncerRunFlushesOnWake(t *testing.T) {
	st := NewMemoryStore()
	reg := registry.New()
	s := NewSyncer(st)
	s.Watch(reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	reg.Register("w1", spi.Address{Host: "h", Port: 1}, registry.Capabilities{})
	cancel()
	<-done
	recs, _ := st.LoadAll(context.Background())
	if len(recs) != 1 {
		t.Fatalf("expected final flush to persist w1, got %+v", recs)
	}
}
