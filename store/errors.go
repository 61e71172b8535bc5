package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrQuotaExceeded is returned when a write does not fit in the store's quota.
	ErrQuotaExceeded = errors.New("store: quota exceeded")

	// ErrInvalidName is returned when a store name cannot be used.
	ErrInvalidName = errors.New("store: invalid name")

	// ErrCorrupt is returned when a stored body does not match its digest.
	ErrCorrupt = errors.New("store: corrupt entry")

	// ErrClosed is returned when the storage has been closed.
	ErrClosed = errors.New("store: closed")
)

// ValidName reports whether name is usable as a store name.
// Names are limited to ASCII letters, digits, '.', '_' and '-'.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '.' || ch == '_' || ch == '-') {
			return false
		}
	}
	return true
}
