// Package retain keeps the number of run artifacts on disk bounded by
// retaining only the K best-scoring or K latest entries. It knows nothing
// about what the entries are; callers pass save and delete callbacks.
package retain

import (
	"errors"
	"os"
)

// KeepAll disables pruning.
const KeepAll = -1

// KBest retains the max-size entries with the lowest score. Adding a
// better entry evicts the current worst via the delete callback.
type KBest struct {
	maxSize int
	saveFn  func(path string) error
	delFn   func(path string) error
	records map[string]float64
}

func NewKBest(maxSize int, saveFn, delFn func(string) error) (*KBest, error) {
	if maxSize <= 0 && maxSize != KeepAll {
		return nil, errors.New("max size must be positive or KeepAll")
	}
	if saveFn == nil {
		return nil, errors.New("save callback must not be nil")
	}
	if delFn == nil {
		delFn = os.RemoveAll
	}
	return &KBest{
		maxSize: maxSize,
		saveFn:  saveFn,
		delFn:   delFn,
		records: make(map[string]float64),
	}, nil
}

func (k *KBest) full() bool {
	return k.maxSize != KeepAll && len(k.records) >= k.maxSize
}

// ShouldSave reports whether an entry with the given score would be kept.
func (k *KBest) ShouldSave(score float64) bool {
	if !k.full() {
		return true
	}
	_, worst := k.worst()
	return score < worst
}

func (k *KBest) worst() (string, float64) {
	var worstPath string
	var worstScore float64
	first := true
	for path, score := range k.records {
		if first || score > worstScore {
			worstPath = path
			worstScore = score
			first = false
		}
	}
	return worstPath, worstScore
}

// Add saves the entry when it ranks within the K best, evicting the
// current worst if the set is full.
func (k *KBest) Add(score float64, path string) error {
	if !k.ShouldSave(score) {
		return nil
	}
	if k.full() {
		worstPath, _ := k.worst()
		delete(k.records, worstPath)
		if err := k.delFn(worstPath); err != nil {
			return err
		}
	}
	if err := k.saveFn(path); err != nil {
		return err
	}
	k.records[path] = score
	return nil
}

// Len reports the number of retained entries.
func (k *KBest) Len() int { return len(k.records) }

// KLatest retains the max-size most recently added entries.
type KLatest struct {
	maxSize int
	saveFn  func(path string) error
	delFn   func(path string) error
	queue   []string
}

func NewKLatest(maxSize int, saveFn, delFn func(string) error) (*KLatest, error) {
	if maxSize <= 0 && maxSize != KeepAll {
		return nil, errors.New("max size must be positive or KeepAll")
	}
	if saveFn == nil {
		return nil, errors.New("save callback must not be nil")
	}
	if delFn == nil {
		delFn = os.RemoveAll
	}
	return &KLatest{
		maxSize: maxSize,
		saveFn:  saveFn,
		delFn:   delFn,
	}, nil
}

func (k *KLatest) full() bool {
	return k.maxSize != KeepAll && len(k.queue) >= k.maxSize
}

// Add saves the entry, evicting the oldest retained one when full.
func (k *KLatest) Add(path string) error {
	if k.full() {
		oldest := k.queue[0]
		k.queue = k.queue[1:]
		if err := k.delFn(oldest); err != nil {
			return err
		}
	}
	if err := k.saveFn(path); err != nil {
		return err
	}
	k.queue = append(k.queue, path)
	return nil
}

// Len reports the number of retained entries.
func (k *KLatest) Len() int { return len(k.queue) }
