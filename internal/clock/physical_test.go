package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPhysicalAdjustAccumulates(t *testing.T) {
	var p Physical
	before := p.Now()

	p.Adjust(2500 * time.Millisecond)
	after := p.Now()

	assert.InDelta(t, 2500*time.Millisecond, after.Sub(before), float64(200*time.Millisecond))
	assert.Equal(t, 2500*time.Millisecond, p.Offset())

	p.Adjust(-500 * time.Millisecond)
	assert.Equal(t, 2000*time.Millisecond, p.Offset())
}
