package docpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	assert.Equal(t, "users/u1/balance", Join("users", "u1", "balance"))
	assert.Equal(t, "users/u1", Join("", "users/u1/"))
	assert.Equal(t, "", Join("", ""))
}

func TestSplit(t *testing.T) {
	doc, field := Split("users/u1/balance")
	assert.Equal(t, "users/u1", doc)
	assert.Equal(t, "balance", field)

	doc, field = Split("balance")
	assert.Equal(t, "", doc)
	assert.Equal(t, "balance", field)
}

func TestGroupFields(t *testing.T) {
	grouped := GroupFields("", map[string]any{
		"users/u1/balance":   100.0,
		"users/u1/total_pnl": 5.5,
		"users/u2/balance":   40.0,
	})

	require.Len(t, grouped, 2)
	assert.Equal(t, map[string]any{"balance": 100.0, "total_pnl": 5.5}, grouped["users/u1"])
	assert.Equal(t, map[string]any{"balance": 40.0}, grouped["users/u2"])
}

func TestMergeOverlaysExisting(t *testing.T) {
	merged, err := Merge([]byte(`{"balance":10,"symbol":"ETHUSDT"}`), map[string]any{"balance": 25.0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":25,"symbol":"ETHUSDT"}`, string(merged))
}

func TestMergeFromEmpty(t *testing.T) {
	merged, err := Merge(nil, map[string]any{"active": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":true}`, string(merged))
}

func TestMergeRejectsNonObject(t *testing.T) {
	_, err := Merge([]byte(`[1,2]`), map[string]any{"a": 1})
	require.Error(t, err)
}
