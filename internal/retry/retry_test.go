package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffMS_Scalar(t *testing.T) {
	assert.Equal(t, 5000, BackoffMS(1, []int{5}))
	assert.Equal(t, 5000, BackoffMS(7, []int{5}))
}

func TestBackoffMS_OrderedSchedule_ClampsAtLast(t *testing.T) {
	schedule := []int{1, 5, 10}
	assert.Equal(t, 1000, BackoffMS(1, schedule))
	assert.Equal(t, 5000, BackoffMS(2, schedule))
	assert.Equal(t, 10000, BackoffMS(3, schedule))
	assert.Equal(t, 10000, BackoffMS(4, schedule))
	assert.Equal(t, 10000, BackoffMS(100, schedule))
}

func TestBackoffMS_MonotoneClamp(t *testing.T) {
	schedule := []int{2, 4, 8}
	prev := BackoffMS(1, schedule)
	for k := 2; k <= 10; k++ {
		cur := BackoffMS(k, schedule)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, 8000, BackoffMS(9, schedule))
}

func TestBackoffMS_ZeroScalar(t *testing.T) {
	assert.Equal(t, 0, BackoffMS(1, []int{0}))
}

func TestBackoffMS_EmptySchedulePanics(t *testing.T) {
	require.Panics(t, func() { BackoffMS(1, nil) })
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, StatusFirst, ClassifyStatus(1, 3))
	assert.Equal(t, StatusRetry, ClassifyStatus(2, 3))
	assert.Equal(t, StatusLast, ClassifyStatus(3, 3))
	assert.Equal(t, StatusFirst, ClassifyStatus(1, 1))
}
