// sched.go - Serialisierung der Pipeline-Invokationen
//
// Dieses Modul enthaelt:
// - Scheduler mit einem einzelnen Invokations-Slot
// - Begrenzte Historie der letzten Benchmark-Laeufe

package server

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/v2/lists/arraylist"
	"golang.org/x/sync/semaphore"

	"github.com/Sygil-Dev/diffusers/bench"
)

const maxRecentRuns = 16

// Scheduler serialisiert rechenintensive Anfragen. Die Pipeline rechnet
// sequentiell, gleichzeitige HTTP-Anfragen warten auf den einen Slot.
type Scheduler struct {
	invocations *semaphore.Weighted

	mu     sync.Mutex
	recent *arraylist.List[*bench.Result]
}

func InitScheduler() *Scheduler {
	return &Scheduler{
		invocations: semaphore.NewWeighted(1),
		recent:      arraylist.New[*bench.Result](),
	}
}

// RunBench fuehrt die Messreihe im Invokations-Slot aus und nimmt das
// Ergebnis in die Historie auf. Bricht der Client ab, gibt Acquire den
// Kontextfehler zurueck.
func (s *Scheduler) RunBench(ctx context.Context, r *bench.Runner, cfg bench.Config) (*bench.Result, error) {
	if err := s.invocations.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.invocations.Release(1)

	res, err := r.Run(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.record(res)
	return res, nil
}

func (s *Scheduler) record(res *bench.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent.Add(res)
	for s.recent.Size() > maxRecentRuns {
		s.recent.Remove(0)
	}
}

// Recent liefert die behaltenen Benchmark-Ergebnisse, aelteste zuerst.
func (s *Scheduler) Recent() []*bench.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recent.Values()
}
