package chunked

import "fmt"

// IntegrityError is a local integrity failure: downloaded bytes hashed to
// something other than the manifest-declared digest. It is distinct from a
// network failure and is never retried silently.
type IntegrityError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}
