package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_Done(t *testing.T) {
	tests := []struct {
		name    string
		counter Counter
		done    bool
	}{
		{"empty collection", Counter{Size: 0}, true},
		{"nothing settled", Counter{Size: 3, Dispatched: 3}, false},
		{"partially settled", Counter{Size: 3, Completed: 2}, false},
		{"all completed", Counter{Size: 3, Completed: 3}, true},
		{"mixed outcomes", Counter{Size: 4, Completed: 2, Failed: 2}, true},
		{"all failed", Counter{Size: 2, Failed: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.done, tt.counter.Done())
		})
	}
}

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "loop.42.regions", counterKey(42, "regions"))
}
