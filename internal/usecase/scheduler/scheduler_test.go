package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain/set"
)

type fakeIndexer struct {
	mu    sync.Mutex
	paths []string
	block chan struct{} // when set, IndexFile waits on it
	abort context.CancelFunc
}

func (f *fakeIndexer) IndexFile(_ context.Context, path string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.paths = append(f.paths, filepath.Base(path))
	f.mu.Unlock()
	if f.abort != nil {
		f.abort()
	}
	return nil
}

func (f *fakeIndexer) indexed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.paths...)
	sort.Strings(out)
	return out
}

type fakeLoader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeLoader) Reload(context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

type staticSets struct{ sets []set.SetInfo }

func (s staticSets) List() []set.SetInfo { return s.sets }

func setsFor(t *testing.T, dir string) staticSets {
	t.Helper()
	d, err := set.NewDirInfo(dir, "adn")
	if err != nil {
		t.Fatal(err)
	}
	si, err := set.New("abc", "abc", "", true, d)
	if err != nil {
		t.Fatal(err)
	}
	return staticSets{sets: []set.SetInfo{si}}
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("<itemRecord><id>"+name+"</id></itemRecord>"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunPass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.xml")
	writeFile(t, dir, "b.xml")
	writeFile(t, dir, "notes.txt")

	idx := &fakeIndexer{}
	loader := &fakeLoader{}
	s := New(zap.NewNop(), Config{IndexAll: true}, idx, loader, setsFor(t, dir))

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := idx.indexed(); len(got) != 2 || got[0] != "a.xml" || got[1] != "b.xml" {
		t.Errorf("indexed = %v", got)
	}
	if loader.calls != 1 {
		t.Errorf("set definitions must be reloaded once per pass, got %d", loader.calls)
	}
}

func TestRunPass_Incremental(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "old.xml")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	idx := &fakeIndexer{}
	s := New(zap.NewNop(), Config{}, idx, nil, setsFor(t, dir))

	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(idx.indexed()) != 1 {
		t.Fatalf("first pass must index everything, got %v", idx.indexed())
	}

	fresh := writeFile(t, dir, "fresh.xml")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(fresh, future, future); err != nil {
		t.Fatal(err)
	}
	if err := s.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	got := idx.indexed()
	if len(got) != 2 || got[0] != "fresh.xml" {
		t.Errorf("incremental pass must only index new files, got %v", got)
	}
}

func TestRunPass_StopsBetweenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.xml")
	writeFile(t, dir, "b.xml")

	ctx, cancel := context.WithCancel(context.Background())
	idx := &fakeIndexer{abort: cancel}
	s := New(zap.NewNop(), Config{IndexAll: true}, idx, nil, setsFor(t, dir))

	err := s.RunPass(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(idx.indexed()) != 1 {
		t.Errorf("pass must stop between files, indexed %v", idx.indexed())
	}
}

func TestRunPass_SkipsWhenRunning(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.xml")

	block := make(chan struct{})
	idx := &fakeIndexer{block: block}
	s := New(zap.NewNop(), Config{IndexAll: true}, idx, nil, setsFor(t, dir))

	first := make(chan error, 1)
	go func() { first <- s.RunPass(context.Background()) }()

	// wait until the first pass holds the pass lock
	for i := 0; ; i++ {
		if !s.passMu.TryLock() {
			break
		}
		s.passMu.Unlock()
		if i > 1000 {
			t.Fatal("first pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.RunPass(context.Background()); err != nil {
		t.Errorf("overlapping pass must be skipped, got %v", err)
	}
	if len(idx.indexed()) != 0 {
		t.Error("overlapping pass must not index")
	}

	close(block)
	if err := <-first; err != nil {
		t.Fatalf("first pass: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.xml")

	idx := &fakeIndexer{}
	s := New(zap.NewNop(), Config{Interval: 5 * time.Millisecond, IndexAll: true}, idx, nil, setsFor(t, dir))

	s.Stop() // safe before Start

	s.Start()
	deadline := time.After(2 * time.Second)
	for len(idx.indexed()) == 0 {
		select {
		case <-deadline:
			t.Fatal("interval timer never fired")
		case <-time.After(time.Millisecond):
		}
	}
	s.Stop()
	s.Stop() // idempotent
}

func TestNextDelay_DailyWithWeekdayMask(t *testing.T) {
	s := New(zap.NewNop(), Config{StartTime: "03:30", Days: []time.Weekday{time.Monday}}, nil, nil, staticSets{})

	// a Wednesday noon; the next allowed firing is Monday 03:30
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, 5, 6, 3, 30, 0, 0, time.UTC).Sub(now)
	if got := s.nextDelay(now); got != want {
		t.Errorf("nextDelay = %v, want %v", got, want)
	}

	// same day firing when the time is still ahead
	s = New(zap.NewNop(), Config{StartTime: "13:00"}, nil, nil, staticSets{})
	if got := s.nextDelay(now); got != time.Hour {
		t.Errorf("nextDelay = %v, want 1h", got)
	}
}
