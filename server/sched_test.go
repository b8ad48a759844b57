// sched_test.go - Unit Tests fuer den Benchmark-Scheduler
package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/Sygil-Dev/diffusers/bench"
)

func TestSchedulerRunBench(t *testing.T) {
	s := InitScheduler()
	r := bench.NewRunner("cpu", 0)

	cfg := bench.Config{Batch: 1, Heads: 2, SeqLen: 8, HeadDim: 4, SliceSizes: []int{1}, Runs: 1}
	res, err := s.RunBench(context.Background(), r, cfg)
	if err != nil {
		t.Fatalf("RunBench fehlgeschlagen: %v", err)
	}
	if len(res.Measurements) != 1 {
		t.Errorf("Messungen = %d, erwartet 1", len(res.Measurements))
	}

	recent := s.Recent()
	if len(recent) != 1 || recent[0].ID != res.ID {
		t.Errorf("Recent = %+v, erwartet den Lauf %s", recent, res.ID)
	}
}

func TestSchedulerCanceled(t *testing.T) {
	s := InitScheduler()
	r := bench.NewRunner("cpu", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := bench.Config{Batch: 1, Heads: 2, SeqLen: 8, HeadDim: 4, Runs: 1}
	if _, err := s.RunBench(ctx, r, cfg); err == nil {
		t.Fatal("RunBench mit abgebrochenem Kontext muss fehlschlagen")
	}
	if len(s.Recent()) != 0 {
		t.Error("abgebrochene Laeufe duerfen nicht in der Historie landen")
	}
}

func TestSchedulerHistoryBounded(t *testing.T) {
	s := InitScheduler()

	for i := range maxRecentRuns + 4 {
		s.record(&bench.Result{ID: fmt.Sprintf("run-%02d", i)})
	}

	recent := s.Recent()
	if len(recent) != maxRecentRuns {
		t.Fatalf("Historie = %d Eintraege, erwartet %d", len(recent), maxRecentRuns)
	}

	// Die aeltesten Laeufe fallen heraus
	if recent[0].ID != "run-04" {
		t.Errorf("erster Eintrag = %s, erwartet run-04", recent[0].ID)
	}
	if recent[len(recent)-1].ID != fmt.Sprintf("run-%02d", maxRecentRuns+3) {
		t.Errorf("letzter Eintrag = %s, erwartet run-%02d", recent[len(recent)-1].ID, maxRecentRuns+3)
	}
}
