package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDuplicate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg unique violation message", errors.New(`ERROR: duplicate key value violates unique constraint "outbox_pkey" (SQLSTATE 23505)`), true},
		{"mixed case unique constraint", errors.New("Unique Constraint violated"), true},
		{"sqlstate only", errors.New("ERROR: SQLSTATE 23505"), true},
		{"unrelated error", errors.New("connection reset by peer"), false},
		{"syntax error", errors.New("syntax error at or near \"SELCT\""), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isDuplicate(tc.err))
		})
	}
}
