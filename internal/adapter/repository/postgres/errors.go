package postgres

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/V4T54L/beacon/internal/pkg/retry"
)

// transientClasses are SQLSTATE classes and codes worth retrying: connection
// exceptions, insufficient resources, operator intervention, serialization
// failures and deadlocks.
var transientClasses = []string{"08", "53", "57P", "40001", "40P01"}

// classify marks driver errors that are known to be temporary so the retry
// executor treats them as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return retry.MarkTransient(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		for _, prefix := range transientClasses {
			if strings.HasPrefix(code, prefix) {
				return retry.MarkTransient(err)
			}
		}
	}
	return err
}
