// Package state owns the pipeline's durable local state: the set of
// transaction identifiers already mirrored to the record store and the queue
// of posts that failed. Both persist as JSON files whose shapes are fixed for
// compatibility with existing deployments, and both assume a single writer.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Ledger tracks which transaction identifiers have already been posted.
// An identifier present in the ledger must never be posted again in a
// normal run.
type Ledger struct {
	path string
	ids  map[string]struct{}
}

// OpenLedger loads the identifier set from path. A missing file yields an
// empty ledger; a corrupt one is an error so a damaged ledger never silently
// re-posts history.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, ids: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("OpenLedger: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("OpenLedger: parsing %s: %w", path, err)
	}
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	return l, nil
}

// Has reports whether id was already handled in a previous run.
func (l *Ledger) Has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of tracked identifiers.
func (l *Ledger) Len() int { return len(l.ids) }

// MarkAll adds ids to the set and atomically rewrites the file. The file is
// a flat JSON array of identifier strings, sorted for stable diffs.
func (l *Ledger) MarkAll(ids []string) error {
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}

	all := make([]string, 0, len(l.ids))
	for id := range l.ids {
		all = append(all, id)
	}
	sort.Strings(all)

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("MarkAll: %w", err)
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("MarkAll: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
