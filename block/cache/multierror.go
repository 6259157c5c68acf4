package cache

import "github.com/hashicorp/go-multierror"

// appendError accumulates a flush failure without losing ones already seen,
// the way SyncAll must report every block that failed to write back rather
// than stopping at the first.
func appendError(errs error, err error) error {
	return multierror.Append(errs, err)
}
