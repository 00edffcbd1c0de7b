package postgres

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/V4T54L/beacon/internal/pkg/retry"
)

func TestClassify(t *testing.T) {
	executor := retry.New(retry.Options{MaxRetries: 1})

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "bad connection", err: driver.ErrBadConn, retryable: true},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, retryable: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, retryable: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, retryable: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, retryable: true},
		{name: "deadlock", err: fmt.Errorf("exec: %w", &pq.Error{Code: "40P01"}), retryable: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, retryable: false},
		{name: "undefined table", err: &pq.Error{Code: "42P01"}, retryable: false},
		{name: "plain error", err: errors.New("boom"), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify(tt.err)
			assert.ErrorIs(t, classified, tt.err)
			assert.Equal(t, tt.retryable, executor.IsRetryable(classified))
		})
	}

	assert.NoError(t, classify(nil))
}
