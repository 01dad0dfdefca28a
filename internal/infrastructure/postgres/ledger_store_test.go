package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	domain "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "p.id, p.account_id, p.state", prefixed("p", "id, account_id,\n\tstate"))
}

func TestEncodeJSON(t *testing.T) {
	raw, props, err := encodeJSON(&domain.Transaction{ID: "t1"})
	require.NoError(t, err)
	assert.False(t, raw.Valid)
	assert.Equal(t, "{}", props)

	raw, props, err = encodeJSON(&domain.Transaction{
		ID:          "t2",
		RawResponse: json.RawMessage(`{"id":"pi_1"}`),
		Properties:  map[string]string{"channel": "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"pi_1"}`, raw.String)
	assert.JSONEq(t, `{"channel":"web"}`, props)

	_, _, err = encodeJSON(&domain.Transaction{ID: "t3", RawResponse: json.RawMessage("not json")})
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(sql.ErrNoRows), domain.ErrNotFound)
	assert.ErrorIs(t, mapError(&pq.Error{Code: uniqueViolation, Constraint: "payments_account_external_key"}), domain.ErrConflict)

	err := mapError(fmt.Errorf("connection reset"))
	assert.ErrorIs(t, err, domain.ErrRepository)
}
