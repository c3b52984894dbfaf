package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
)

const (
	heuristicsLog = "heuristics.jsonl"
	historyLog    = "history.jsonl"
	firesLog      = "fires.jsonl"

	// maxLineSize bounds a single journal line on replay. A heuristic with a
	// large embedding still fits comfortably.
	maxLineSize = 4 * 1024 * 1024
)

// journal is the append-only JSONL log backing the store.
//
// Heuristic and fire lines are full snapshots; replay keeps the last write
// per ID. History lines are replayed in order, never collapsed. Every append
// is fsynced before the in-memory view changes, so an acknowledged write
// survives a crash.
type journal struct {
	mu         sync.Mutex
	heuristics *os.File
	history    *os.File
	fires      *os.File
	dir        string
}

func openJournal(dir string) (*journal, error) {
	clean := filepath.Clean(dir)
	if strings.Contains(clean, "..") {
		return nil, fmt.Errorf("journal path contains directory traversal: %s", dir)
	}
	if err := os.MkdirAll(clean, 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &journal{dir: clean}
	var err error
	if j.heuristics, err = openAppend(filepath.Join(clean, heuristicsLog)); err != nil {
		return nil, err
	}
	if j.history, err = openAppend(filepath.Join(clean, historyLog)); err != nil {
		j.Close()
		return nil, err
	}
	if j.fires, err = openAppend(filepath.Join(clean, firesLog)); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

func (j *journal) appendLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return f.Sync()
}

func (j *journal) AppendHeuristic(h *heuristic.Heuristic) error {
	return j.appendLine(j.heuristics, h)
}

func (j *journal) AppendHistory(rec *heuristic.HistoryRecord) error {
	return j.appendLine(j.history, rec)
}

func (j *journal) AppendFire(f *heuristic.Fire) error {
	return j.appendLine(j.fires, f)
}

// Replay reads the three logs back into materialized form. A torn final line
// (crash mid-write) is tolerated and dropped; corruption anywhere else is an
// error.
func (j *journal) Replay() (map[string]*heuristic.Heuristic, map[string][]*heuristic.HistoryRecord, map[string]*heuristic.Fire, error) {
	heuristics := map[string]*heuristic.Heuristic{}
	err := replayFile(filepath.Join(j.dir, heuristicsLog), func(line []byte) error {
		var h heuristic.Heuristic
		if err := json.Unmarshal(line, &h); err != nil {
			return err
		}
		heuristics[h.ID] = &h
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replay %s: %w", heuristicsLog, err)
	}

	history := map[string][]*heuristic.HistoryRecord{}
	err = replayFile(filepath.Join(j.dir, historyLog), func(line []byte) error {
		var rec heuristic.HistoryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		history[rec.HeuristicID] = append(history[rec.HeuristicID], &rec)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replay %s: %w", historyLog, err)
	}

	fires := map[string]*heuristic.Fire{}
	err = replayFile(filepath.Join(j.dir, firesLog), func(line []byte) error {
		var f heuristic.Fire
		if err := json.Unmarshal(line, &f); err != nil {
			return err
		}
		fires[f.ID] = &f
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replay %s: %w", firesLog, err)
	}

	return heuristics, history, fires, nil
}

func replayFile(path string, apply func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var pending error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			// A bad line followed by a good one is corruption, not a torn
			// tail.
			return pending
		}
		if err := apply(line); err != nil {
			pending = err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// pending here means the file ends with a torn line; drop it.
	return nil
}

func (j *journal) Close() error {
	var errs []error
	for _, f := range []*os.File{j.heuristics, j.history, j.fires} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
