package meterproof

import (
	"fmt"
	"strings"
)

// Store abstracts append-only persistence of signed usage records.
type Store interface {
	// Append durably adds one record. Each record is written as one
	// self-contained unit, so concurrent appends never interleave.
	Append(r SignedUsageRecord) error

	// Query returns the tenant's records whose timestamp lies in r,
	// ordered by timestamp ascending. Malformed entries are skipped.
	Query(tenantID string, r Range) ([]SignedUsageRecord, error)

	// Close releases the store's resources.
	Close() error
}

// Range is an inclusive timestamp window. Empty bounds are open.
// Bounds are compared lexicographically against the stored timestamp text.
type Range struct {
	Since string
	Until string
}

// Contains reports whether ts lies in the window.
func (r Range) Contains(ts string) bool {
	if r.Since != "" && ts < r.Since {
		return false
	}
	if r.Until != "" && ts > r.Until {
		return false
	}
	return true
}

// Store backend selectors.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// DefaultStorePath returns the path used when none is configured.
func DefaultStorePath(backend string) string {
	if strings.EqualFold(backend, BackendSQLite) {
		return "usage.sqlite"
	}
	return "usage.jsonl"
}

// StoreBackend names the backend behind st.
func StoreBackend(st Store) string {
	switch st.(type) {
	case *jsonlStore:
		return BackendJSONL
	case *sqliteStore:
		return BackendSQLite
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", st)
	}
}

// OpenStore opens the backend named by backend at path. An empty backend
// selects the JSONL log; an empty path selects DefaultStorePath.
func OpenStore(backend, path string) (Store, error) {
	if backend == "" {
		backend = BackendJSONL
	}
	if path == "" {
		path = DefaultStorePath(backend)
	}
	switch strings.ToLower(backend) {
	case BackendJSONL:
		return OpenJSONLStore(path)
	case BackendSQLite:
		return OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
