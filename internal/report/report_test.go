package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sample(id string, started time.Time) *RunResult {
	return &RunResult{
		ID:        id,
		Module:    "cache",
		Target:    "x86-64",
		Runner:    "user",
		CPU:       5,
		Stage:     "diagnosed",
		Passed:    true,
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
		Stages: []StageTiming{
			{Stage: "descriptor-loaded", Duration: time.Millisecond},
			{Stage: "test-compiled", Duration: time.Second},
		},
		ResultSize: 4,
		Result:     []byte{1, 0, 0, 2},
	}
}

func failed(id string, started time.Time) *RunResult {
	r := sample(id, started)
	r.Stage = "failed"
	r.FailedStage = "test-compiled"
	r.Passed = false
	r.Error = "compile: cc exited with status 1"
	r.ErrorKind = "build"
	r.Stages = r.Stages[:1]
	r.ResultSize = 0
	r.Result = nil
	return r
}

func TestOutcome(t *testing.T) {
	now := time.Now()
	if got := sample("a", now).Outcome(); got != Pass {
		t.Errorf("passing run: Outcome() = %q, want %q", got, Pass)
	}
	if got := failed("b", now).Outcome(); got != Error {
		t.Errorf("failed run: Outcome() = %q, want %q", got, Error)
	}

	r := sample("c", now)
	r.Passed = false
	if got := r.Outcome(); got != Fail {
		t.Errorf("negative verdict: Outcome() = %q, want %q", got, Fail)
	}
}

func TestSummary(t *testing.T) {
	s := failed("abc", time.Now()).Summary()
	for _, want := range []string{"run abc: cache (x86-64, user) error", "failed in test-compiled [build]"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "result record") {
		t.Errorf("failed run should not report a result record:\n%s", s)
	}

	s = sample("def", time.Now()).Summary()
	for _, want := range []string{"result record: 4 bytes", "descriptor-loaded"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() missing %q:\n%s", want, s)
		}
	}
}

type listingStore interface {
	Store
	Lister
}

// stores returns each persistent store implementation rooted in a fresh
// temporary directory.
func stores(t *testing.T) map[string]listingStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]listingStore{
		"disk":   NewDiskStore(filepath.Join(t.TempDir(), "runs")),
		"sqlite": db,
	}
}

func TestStores_RoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, want := range []*RunResult{sample("pass", started), failed("fail", started)} {
				if err := s.Save(want); err != nil {
					t.Fatalf("Save(%s): %v", want.ID, err)
				}
				got, err := s.Load(want.ID)
				if err != nil {
					t.Fatalf("Load(%s): %v", want.ID, err)
				}
				if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
					t.Errorf("Load(%s) mismatch (-want +got):\n%s", want.ID, diff)
				}
			}
		})
	}
}

func TestStores_LoadUnknown(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStores_ListMostRecentFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := range 4 {
				if err := s.Save(sample(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}

			all, err := s.List(0)
			if err != nil {
				t.Fatalf("List(0): %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("List(0) returned %d runs, want 4", len(all))
			}
			if all[0].ID != "run-3" || all[3].ID != "run-0" {
				t.Errorf("List(0) order = %s..%s, want run-3..run-0", all[0].ID, all[3].ID)
			}

			two, err := s.List(2)
			if err != nil {
				t.Fatalf("List(2): %v", err)
			}
			var ids []string
			for _, r := range two {
				ids = append(ids, r.ID)
			}
			if diff := cmp.Diff([]string{"run-3", "run-2"}, ids); diff != "" {
				t.Errorf("List(2) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	r := sample("same", time.Now())
	if err := db.Save(r); err != nil {
		t.Fatal(err)
	}
	r.Passed = false
	if err := db.Save(r); err != nil {
		t.Fatal(err)
	}

	all, err := db.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("List(0) returned %d runs, want 1", len(all))
	}
	if all[0].Passed {
		t.Error("second Save did not replace the first")
	}
}

func TestDiskStore_TempDirAndBadID(t *testing.T) {
	s := NewDiskStore("")
	dir, err := s.ensureDir()
	if err != nil {
		t.Fatalf("ensureDir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	if !strings.Contains(filepath.Base(dir), "orchestrator-runs-") {
		t.Errorf("temp dir = %q, want an orchestrator-runs- prefix", dir)
	}

	_, err = s.Load("../etc/passwd")
	if err == nil {
		t.Fatal("expected error for a run ID with a path separator")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("bad ID reported as not found: %v", err)
	}
}

type countingStore struct {
	Store
	loads int
}

func (c *countingStore) Load(id string) (*RunResult, error) {
	c.loads++
	return c.Store.Load(id)
}

func TestLRUStore(t *testing.T) {
	back := &countingStore{Store: NewDiskStore(t.TempDir())}
	lru := NewLRUStore(2, back)
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		if err := lru.Save(sample(id, now)); err != nil {
			t.Fatal(err)
		}
	}
	if lru.Len() != 2 {
		t.Errorf("Len() = %d, want 2", lru.Len())
	}

	// b and c are cached; a was evicted but is still on disk.
	if _, err := lru.Load("c"); err != nil {
		t.Fatal(err)
	}
	if back.loads != 0 {
		t.Errorf("cached load hit the backing store %d times", back.loads)
	}

	got, err := lru.Load("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "a" || back.loads != 1 {
		t.Errorf("Load(a) = %s with %d backing loads, want a with 1", got.ID, back.loads)
	}

	// Loading a evicted b, the least recently used.
	if _, err := lru.Load("b"); err != nil {
		t.Fatal(err)
	}
	if back.loads != 2 || lru.Len() != 2 {
		t.Errorf("after Load(b): %d backing loads, Len() = %d; want 2, 2", back.loads, lru.Len())
	}
}

func TestLRUStore_ListFallsBackToCache(t *testing.T) {
	back := &countingStore{Store: NewDiskStore(t.TempDir())}
	lru := NewLRUStore(0, back)
	for _, id := range []string{"x", "y"} {
		if err := lru.Save(sample(id, time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	got, err := lru.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "y" {
		t.Errorf("List(0) = %v, want only y", got)
	}
}
