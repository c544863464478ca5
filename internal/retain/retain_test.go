package retain

import (
	"fmt"
	"testing"
)

type recorder struct {
	saved   []string
	deleted []string
}

func (r *recorder) save(path string) error {
	r.saved = append(r.saved, path)
	return nil
}

func (r *recorder) del(path string) error {
	r.deleted = append(r.deleted, path)
	return nil
}

func TestKLatestKeepsNewest(t *testing.T) {
	rec := &recorder{}
	k, err := NewKLatest(3, rec.save, rec.del)
	if err != nil {
		t.Fatalf("new klatest: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := k.Add(fmt.Sprintf("run_%d", i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if k.Len() != 3 {
		t.Fatalf("expected 3 retained, got %d", k.Len())
	}
	if len(rec.deleted) != 2 || rec.deleted[0] != "run_0" || rec.deleted[1] != "run_1" {
		t.Fatalf("expected oldest evicted first, got %v", rec.deleted)
	}
}

func TestKLatestKeepAll(t *testing.T) {
	rec := &recorder{}
	k, err := NewKLatest(KeepAll, rec.save, rec.del)
	if err != nil {
		t.Fatalf("new klatest: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := k.Add(fmt.Sprintf("run_%d", i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if k.Len() != 10 || len(rec.deleted) != 0 {
		t.Fatalf("expected nothing evicted, got len=%d deleted=%v", k.Len(), rec.deleted)
	}
}

func TestKBestKeepsLowestScores(t *testing.T) {
	rec := &recorder{}
	k, err := NewKBest(2, rec.save, rec.del)
	if err != nil {
		t.Fatalf("new kbest: %v", err)
	}
	if err := k.Add(3.0, "run_a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := k.Add(1.0, "run_b"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// worse than both retained entries, must be rejected
	if err := k.Add(5.0, "run_c"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(rec.saved) != 2 {
		t.Fatalf("expected run_c rejected, saved %v", rec.saved)
	}
	// better than run_a, evicts it
	if err := k.Add(2.0, "run_d"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(rec.deleted) != 1 || rec.deleted[0] != "run_a" {
		t.Fatalf("expected run_a evicted, got %v", rec.deleted)
	}
	if k.Len() != 2 {
		t.Fatalf("expected 2 retained, got %d", k.Len())
	}
}

func TestKBestShouldSave(t *testing.T) {
	k, err := NewKBest(1, func(string) error { return nil }, func(string) error { return nil })
	if err != nil {
		t.Fatalf("new kbest: %v", err)
	}
	if !k.ShouldSave(10.0) {
		t.Fatal("expected save while not full")
	}
	if err := k.Add(10.0, "run_a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if k.ShouldSave(11.0) {
		t.Fatal("expected worse score rejected when full")
	}
	if !k.ShouldSave(9.0) {
		t.Fatal("expected better score accepted when full")
	}
}

func TestNilSaveCallbackRejected(t *testing.T) {
	if _, err := NewKBest(1, nil, nil); err == nil {
		t.Fatal("expected error for nil save callback")
	}
	if _, err := NewKLatest(1, nil, nil); err == nil {
		t.Fatal("expected error for nil save callback")
	}
}
