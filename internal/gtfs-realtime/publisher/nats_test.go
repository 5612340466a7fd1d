package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripcore/pkg/gtfs-realtime/models"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "vehicles.100.v1", Subject("", "100", "v1"))
	assert.Equal(t, "live.E_Line.bus_7", Subject("live", "E Line", "bus.7"))
	assert.Equal(t, "vehicles._._", Subject("vehicles", " ", "*"))
}

func TestPositionMessage(t *testing.T) {
	at := time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)
	msg := NewPositionMessage(models.VehiclePosition{
		VehicleID:            "v1",
		RouteID:              "100",
		Lat:                  47.6,
		Lon:                  -122.3,
		ScheduleDeviationSec: 120,
		HasDeviation:         true,
		Source:               models.SourceArrivals,
		ObservedAt:           at,
	})
	require.NotNil(t, msg.ScheduleDeviationSec)
	assert.Equal(t, 120, *msg.ScheduleDeviationSec)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"source":"arrivals"`)
	assert.NotContains(t, string(b), `"priority"`)

	msg = NewPositionMessage(models.VehiclePosition{VehicleID: "v2"})
	assert.Nil(t, msg.ScheduleDeviationSec, "unknown deviation is left out, not reported as zero")
}

func TestCloseNil(t *testing.T) {
	var p *NATSPublisher
	assert.NotPanics(t, p.Close)
}
