package pgstore

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolationMatchesSQLState23505(t *testing.T) {
	require.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	require.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("boom")))
	require.False(t, isUniqueViolation(nil))
}

func TestDerefHelpersHandleNil(t *testing.T) {
	require.Nil(t, derefDerefInt64(nil))
	require.Nil(t, derefDerefTime(nil))

	var v int64 = 42
	pv := &v
	require.Equal(t, &v, derefDerefInt64(&pv))
}
