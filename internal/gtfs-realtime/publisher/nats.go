// Package publisher fans tracked vehicle positions out over NATS.
package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/pkg/gtfs-realtime/models"
)

const DefaultSubjectPrefix = "vehicles"

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	logger  logger.Logger
	metrics *metrics.Collector
}

func NewNATSPublisher(url, prefix string, log logger.Logger, m *metrics.Collector) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tripcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	log.Info("Connected to NATS", "url", nc.ConnectedUrl(), "subject_prefix", prefix)
	return &NATSPublisher{nc: nc, prefix: prefix, logger: log, metrics: m}, nil
}

// Close flushes pending messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

type PositionMessage struct {
	VehicleID            string               `json:"vehicleId"`
	TripID               string               `json:"tripId"`
	RouteID              string               `json:"routeId"`
	Lat                  float64              `json:"lat"`
	Lon                  float64              `json:"lon"`
	Bearing              float64              `json:"bearing"`
	ScheduleDeviationSec *int                 `json:"scheduleDeviationSec,omitempty"`
	Priority             bool                 `json:"priority,omitempty"`
	Source               models.VehicleSource `json:"source"`
	Timestamp            time.Time            `json:"timestamp"`
}

func NewPositionMessage(v models.VehiclePosition) PositionMessage {
	msg := PositionMessage{
		VehicleID: v.VehicleID,
		TripID:    v.TripID,
		RouteID:   v.RouteID,
		Lat:       v.Lat,
		Lon:       v.Lon,
		Bearing:   v.Bearing,
		Priority:  v.Priority,
		Source:    v.Source,
		Timestamp: v.ObservedAt,
	}
	if v.HasDeviation {
		d := v.ScheduleDeviationSec
		msg.ScheduleDeviationSec = &d
	}
	return msg
}

// Subject is "<prefix>.<route>.<vehicle>".
func Subject(prefix, routeID, vehicleID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + subjectToken(routeID) + "." + subjectToken(vehicleID)
}

func (p *NATSPublisher) PublishPosition(v models.VehiclePosition) error {
	b, err := json.Marshal(NewPositionMessage(v))
	if err != nil {
		return err
	}
	err = p.nc.Publish(Subject(p.prefix, v.RouteID, v.VehicleID), b)
	p.metrics.Published(err)
	return err
}

// PublishPositions publishes every vehicle and returns the first error.
// A failed vehicle does not stop the others.
func (p *NATSPublisher) PublishPositions(vehicles []models.VehiclePosition) error {
	var first error
	for _, v := range vehicles {
		if err := p.PublishPosition(v); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
