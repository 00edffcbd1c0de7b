package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteByIDsQuery(t *testing.T) {
	query := deleteByIDsQuery("analytics_events")

	assert.Equal(t, `DELETE FROM "analytics_events" WHERE id = ANY($1::uuid[])`, query)
	assert.NotContains(t, query, "id::text", "casting the key column bypasses the primary key index")
}

func TestDeleteByIDs_NoIDs(t *testing.T) {
	store := NewRetentionStore(nil)

	n, err := store.DeleteByIDs(context.Background(), "analytics_events", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
