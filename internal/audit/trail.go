package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantkit/botcore/internal/observ"
)

// Entry is the jsonl envelope: one line per record, typed.
type Entry struct {
	Type    string          `json:"type"` // cycle | transition | critical
	Written time.Time       `json:"written"`
	Data    json.RawMessage `json:"data"`
}

// Trail is the durable jsonl audit log. Appends are serialized; the
// file is opened per append so an external rotate cannot wedge us.
type Trail struct {
	mu   sync.Mutex
	path string
}

func NewTrail(path string) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Trail{path: path}, nil
}

func (t *Trail) Cycle(rec ScanCycleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return t.append("cycle", rec)
}

func (t *Trail) Transition(rec TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return t.append("transition", rec)
}

func (t *Trail) CriticalEvent(rec CriticalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	observ.Critical("audit_critical", map[string]any{
		"code":        rec.Code,
		"strategy":    rec.Strategy,
		"position_id": rec.PositionID,
		"detail":      rec.Detail,
	})
	return t.append("critical", rec)
}

func (t *Trail) append(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Type: kind, Written: time.Now().UTC(), Data: raw})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(string(line) + "\n")
	return err
}

// ReadRecent returns up to limit most-recent entries of the given
// type (empty type matches all). This backs the read-only HTTP
// surface; it scans the file rather than holding an index.
func (t *Trail) ReadRecent(kind string, limit int) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if kind != "" && e.Type != kind {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
