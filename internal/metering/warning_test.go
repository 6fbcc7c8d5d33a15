package metering

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyWarning(t *testing.T) {
	tests := []struct {
		used, limit int
		want        WarningLevel
	}{
		{0, 500, WarningNone},
		{399, 500, WarningNone},
		{400, 500, WarningSoft},
		{474, 500, WarningSoft},
		{475, 500, WarningHard},
		{499, 500, WarningHard},
		{500, 500, WarningExceeded},
		{650, 500, WarningExceeded},
		{0, 0, WarningExceeded},
		{10, -1, WarningExceeded},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyWarning(tt.used, tt.limit), "%d/%d", tt.used, tt.limit)
	}
}

func TestClassifyWarningIsMonotonic(t *testing.T) {
	for _, limit := range []int{1, 7, 50, 500, 3000} {
		prev := WarningNone
		for used := 0; used <= limit+5; used++ {
			level := ClassifyWarning(used, limit)
			assert.GreaterOrEqual(t, level.Severity(), prev.Severity(), "used=%d limit=%d", used, limit)
			prev = level
		}
	}
	for _, used := range []int{-3, 0, 1, 1000} {
		assert.Equal(t, WarningExceeded, ClassifyWarning(used, 0))
	}
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 110, Remaining(500, 490, 100))
	assert.Equal(t, 100, Remaining(500, 520, 100))
	assert.Equal(t, 0, Remaining(0, 0, 0))
}
