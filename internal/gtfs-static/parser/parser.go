package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/pkg/gtfs-static/models"
)

// MissingColumnError means a table header lacks a column the table cannot
// be used without.
type MissingColumnError struct {
	Table  string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("%s: missing required column %s", e.Table, e.Column)
}

type Parser struct {
	logger logger.Logger
}

func New(logger logger.Logger) *Parser {
	return &Parser{logger: logger}
}

// rowFunc parses one record and reports whether it was usable.
type rowFunc func(record []string, headerMap map[string]int) bool

// parseTable reads a header, checks required columns and hands every
// record to fn. Malformed records are counted, not returned as errors.
func (p *Parser) parseTable(r io.Reader, table string, required []string, fn rowFunc) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Variable number of fields
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	// Read header
	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("%s: reading header: %w", table, err)
	}

	// Create header index map
	headerMap := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		headerMap[h] = i
	}
	for _, col := range required {
		if _, ok := headerMap[col]; !ok {
			return 0, &MissingColumnError{Table: table, Column: col}
		}
	}

	count, skipped := 0, 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return skipped, fmt.Errorf("%s: reading record: %w", table, err)
		}
		if fn(record, headerMap) {
			count++
		} else {
			skipped++
		}
		if (count+skipped)%100000 == 0 {
			p.logger.Debug("Progress", "file", table, "records", count+skipped)
		}
	}

	if skipped > 0 {
		p.logger.Warn("Skipped malformed rows", "file", table, "skipped", skipped)
	}
	p.logger.Info("File parsed", "name", table, "records", count)
	return skipped, nil
}

func (p *Parser) ParseRoutes(r io.Reader) ([]models.Route, int, error) {
	var routes []models.Route
	seen := make(map[string]struct{})
	skipped, err := p.parseTable(r, models.TableRoutes, []string{"route_id"}, func(record []string, headerMap map[string]int) bool {
		route := models.Route{
			RouteID:        getString(record, headerMap, "route_id"),
			AgencyID:       getString(record, headerMap, "agency_id"),
			RouteShortName: getString(record, headerMap, "route_short_name"),
			RouteLongName:  getString(record, headerMap, "route_long_name"),
			RouteType:      getInt(record, headerMap, "route_type", 3),
			RouteColor:     getString(record, headerMap, "route_color"),
			RouteTextColor: getString(record, headerMap, "route_text_color"),
		}
		if route.RouteID == "" {
			return false
		}
		if _, dup := seen[route.RouteID]; dup {
			return false
		}
		seen[route.RouteID] = struct{}{}
		routes = append(routes, route)
		return true
	})
	if err != nil {
		return nil, skipped, err
	}
	return routes, skipped, nil
}

func (p *Parser) ParseStops(r io.Reader) ([]models.Stop, int, error) {
	var stops []models.Stop
	seen := make(map[string]struct{})
	required := []string{"stop_id", "stop_lat", "stop_lon"}
	skipped, err := p.parseTable(r, models.TableStops, required, func(record []string, headerMap map[string]int) bool {
		id := getString(record, headerMap, "stop_id")
		if id == "" {
			return false
		}
		lat, ok := getFloat(record, headerMap, "stop_lat")
		if !ok || lat < -90 || lat > 90 {
			return false
		}
		lon, ok := getFloat(record, headerMap, "stop_lon")
		if !ok || lon < -180 || lon > 180 {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
		stops = append(stops, models.Stop{
			StopID:             id,
			StopCode:           getString(record, headerMap, "stop_code"),
			StopName:           getString(record, headerMap, "stop_name"),
			StopLat:            lat,
			StopLon:            lon,
			WheelchairBoarding: getInt(record, headerMap, "wheelchair_boarding", 0),
		})
		return true
	})
	if err != nil {
		return nil, skipped, err
	}
	return stops, skipped, nil
}

func (p *Parser) ParseTrips(r io.Reader) ([]models.Trip, int, error) {
	var trips []models.Trip
	seen := make(map[string]struct{})
	skipped, err := p.parseTable(r, models.TableTrips, []string{"trip_id", "route_id"}, func(record []string, headerMap map[string]int) bool {
		trip := models.Trip{
			TripID:       getString(record, headerMap, "trip_id"),
			RouteID:      getString(record, headerMap, "route_id"),
			ServiceID:    getString(record, headerMap, "service_id"),
			TripHeadsign: getString(record, headerMap, "trip_headsign"),
			DirectionID:  getInt(record, headerMap, "direction_id", 0),
		}
		if trip.TripID == "" || trip.RouteID == "" {
			return false
		}
		if _, dup := seen[trip.TripID]; dup {
			return false
		}
		seen[trip.TripID] = struct{}{}
		trips = append(trips, trip)
		return true
	})
	if err != nil {
		return nil, skipped, err
	}
	return trips, skipped, nil
}

type tripSeq struct {
	trip string
	seq  int
}

func (p *Parser) ParseStopTimes(r io.Reader) ([]models.StopTime, int, error) {
	var stopTimes []models.StopTime
	seen := make(map[tripSeq]struct{})
	required := []string{"trip_id", "stop_id", "stop_sequence"}
	skipped, err := p.parseTable(r, models.TableStopTimes, required, func(record []string, headerMap map[string]int) bool {
		tripID := getString(record, headerMap, "trip_id")
		stopID := getString(record, headerMap, "stop_id")
		if tripID == "" || stopID == "" {
			return false
		}
		seq, err := strconv.Atoi(getString(record, headerMap, "stop_sequence"))
		if err != nil || seq < 0 {
			return false
		}
		key := tripSeq{trip: tripID, seq: seq}
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		stopTimes = append(stopTimes, models.StopTime{
			TripID:        tripID,
			StopID:        stopID,
			StopSequence:  seq,
			ArrivalTime:   getString(record, headerMap, "arrival_time"),
			DepartureTime: getString(record, headerMap, "departure_time"),
		})
		return true
	})
	if err != nil {
		return nil, skipped, err
	}
	return stopTimes, skipped, nil
}

// Helper functions to safely get values from CSV records
func getString(record []string, headerMap map[string]int, field string) string {
	if idx, ok := headerMap[field]; ok && idx < len(record) {
		return strings.TrimSpace(record[idx])
	}
	return ""
}

func getInt(record []string, headerMap map[string]int, field string, defaultVal int) int {
	str := getString(record, headerMap, field)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	return val
}

func getFloat(record []string, headerMap map[string]int, field string) (float64, bool) {
	str := getString(record, headerMap, field)
	if str == "" {
		return 0, false
	}
	val, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return val, true
}
