package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/registry"
)

// Syncer mirrors registry changes into a WorkerStore from its own goroutine,
// so registry calls never wait on storage.
type Syncer struct {
	store WorkerStore
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Record // nil value means delete
	saved   map[string]Record
	wake    chan struct{}
}

func NewSyncer(st WorkerStore) *Syncer {
	return &Syncer{
		store:   st,
		log:     logx.Component("store"),
		pending: make(map[string]*Record),
		saved:   make(map[string]Record),
		wake:    make(chan struct{}, 1),
	}
}

// Restore registers every stored worker with reg and reapplies maintenance.
// Restored workers start online; the first probe cycle corrects them.
func (s *Syncer) Restore(ctx context.Context, reg *registry.Registry) (int, error) {
	recs, err := s.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, rec := range recs {
		s.saved[rec.ID] = rec
	}
	s.mu.Unlock()
	for _, rec := range recs {
		reg.Register(rec.ID, rec.Address, rec.Capabilities)
		if rec.Maintenance {
			reg.SetStatus(rec.ID, registry.StatusMaintenance)
		}
	}
	return len(recs), nil
}

// Watch subscribes to reg. Call Restore first so restored workers are not
// written back.
func (s *Syncer) Watch(reg *registry.Registry) {
	reg.OnChange(s.observe)
}

func (s *Syncer) observe(ev registry.Event) {
	s.mu.Lock()
	if ev.Type == registry.EventRemoved {
		s.pending[ev.Worker.ID] = nil
	} else {
		rec := RecordOf(ev.Worker)
		if prev, ok := s.saved[rec.ID]; ok && prev.Equal(rec) {
			delete(s.pending, rec.ID)
			s.mu.Unlock()
			return
		}
		s.pending[rec.ID] = &rec
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run writes pending changes until ctx is done, then flushes once more.
func (s *Syncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(fctx)
			cancel()
			return
		case <-s.wake:
			s.Flush(ctx)
		}
	}
}

// Flush writes every pending change. Failed writes stay pending.
func (s *Syncer) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]*Record)
	s.mu.Unlock()

	for id, rec := range batch {
		var err error
		if rec == nil {
			err = s.store.Delete(ctx, id)
		} else {
			err = s.store.Save(ctx, *rec)
		}
		s.mu.Lock()
		if err != nil {
			if _, newer := s.pending[id]; !newer {
				s.pending[id] = rec
			}
			s.mu.Unlock()
			s.log.Warn().Err(err).Str("worker_id", id).Msg("persist worker failed")
			continue
		}
		if rec == nil {
			delete(s.saved, id)
		} else {
			s.saved[id] = *rec
		}
		s.mu.Unlock()
	}
}

// Pending is the number of unwritten changes.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
