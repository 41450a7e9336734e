// Package quota tracks per-provider tool usage against configured limits.
// Usage is monotonically increasing and persisted to a JSON file so counts
// survive restarts.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrQuotaExceeded is returned when a reservation would exceed the limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Limit caps one counter of one upstream provider.
type Limit struct {
	Provider string
	Counter  string
	Max      int64
}

// Ledger is the persistent usage ledger. Reserve before executing, then
// Commit on success or Release on failure. Reservations count against the
// limit while in flight, so concurrent calls cannot jointly exceed it.
type Ledger struct {
	mu       sync.Mutex
	path     string
	limits   map[string]int64
	usage    map[string]map[string]int64
	reserved map[string]int64
	logger   *slog.Logger
}

// NewLedger opens or creates the ledger at path. Missing files start empty;
// a corrupt file is an error.
func NewLedger(path string, limits []Limit, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		path:     path,
		limits:   make(map[string]int64, len(limits)),
		usage:    make(map[string]map[string]int64),
		reserved: make(map[string]int64),
		logger:   logger.With("component", "quota"),
	}
	for _, lim := range limits {
		l.limits[key(lim.Provider, lim.Counter)] = lim.Max
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("quota: read %s: %w", path, err)
		}
		return l, nil
	}
	if err := json.Unmarshal(data, &l.usage); err != nil {
		return nil, fmt.Errorf("quota: parse %s: %w", path, err)
	}
	return l, nil
}

// Reserve checks the limit and holds one unit for an in-flight call.
func (l *Ledger) Reserve(provider, counter string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(provider, counter)
	limit, limited := l.limits[k]
	if limited && l.used(provider, counter)+l.reserved[k]+1 > limit {
		return fmt.Errorf("%w: %s/%s at %d of %d", ErrQuotaExceeded, provider, counter, l.used(provider, counter), limit)
	}
	l.reserved[k]++
	return nil
}

// Commit converts a reservation into recorded usage and persists.
func (l *Ledger) Commit(provider, counter string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(provider, counter)
	if l.reserved[k] > 0 {
		l.reserved[k]--
	}
	if l.usage[provider] == nil {
		l.usage[provider] = make(map[string]int64)
	}
	l.usage[provider][counter]++

	if err := l.persist(); err != nil {
		// The in-memory count stays authoritative; persistence retries on
		// the next commit.
		l.logger.Error("failed to persist quota usage", "error", err)
		return err
	}
	return nil
}

// Release drops a reservation without recording usage.
func (l *Ledger) Release(provider, counter string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(provider, counter)
	if l.reserved[k] > 0 {
		l.reserved[k]--
	}
}

// Used returns the recorded usage for a counter.
func (l *Ledger) Used(provider, counter string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used(provider, counter)
}

func (l *Ledger) used(provider, counter string) int64 {
	if counters, ok := l.usage[provider]; ok {
		return counters[counter]
	}
	return 0
}

// persist writes atomically via rename. Caller holds the lock.
func (l *Ledger) persist() error {
	data, err := json.MarshalIndent(l.usage, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func key(provider, counter string) string {
	return provider + "/" + counter
}
