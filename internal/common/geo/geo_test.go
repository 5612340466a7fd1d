package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineMeters(t *testing.T) {
	assert.Equal(t, 0.0, HaversineMeters(47.6, -122.3, 47.6, -122.3))
	// one thousandth of a degree of latitude is about 111m
	assert.InDelta(t, 111.2, HaversineMeters(47.600, -122.3, 47.601, -122.3), 0.5)
	// Seattle to Tacoma
	assert.InDelta(t, 40300, HaversineMeters(47.6062, -122.3321, 47.2529, -122.4443), 500)
}

func TestWalkMinutes(t *testing.T) {
	assert.Equal(t, 0, WalkMinutes(0))
	assert.Equal(t, 1, WalkMinutes(1))
	assert.Equal(t, 1, WalkMinutes(83.4))
	assert.Equal(t, 2, WalkMinutes(150))
	assert.Equal(t, 3, WalkMinutes(200))
}
