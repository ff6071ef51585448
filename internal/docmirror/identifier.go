package docmirror

import "strings"

// StoragePrefix is the prefix the editing layer uses for its persisted
// replica databases. Consumers may hand the engine either the prefixed
// ("external") form or the bare ("canonical") form; everything inside the
// engine operates on the canonical form so both resolve to the same shared
// instance.
const StoragePrefix = "ydoc-"

// Normalize converts an external document identifier to its canonical form.
// It is total and idempotent: normalizing an already-canonical id returns it
// unchanged. An identifier that is empty after normalization is
// construction-time misuse and yields ErrInvalidInput.
func Normalize(externalID string) (string, error) {
	id := strings.TrimSpace(externalID)
	for strings.HasPrefix(id, StoragePrefix) {
		id = id[len(StoragePrefix):]
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidInput
	}
	return id, nil
}
