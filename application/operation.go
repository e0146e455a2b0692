package application

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	OprnTypeLocation        = "LOCATION"
	OprnTypeLastLoc         = "LASTLOC"
	OprnTypeOfflineLoc      = "OFFLINE_LOC"
	OprnTypeCheckConnection = "CHECK_CONNECTION"
)

// stfDateLayout is the 14-digit UTC timestamp format the SmartThings
// Find API uses everywhere.
const stfDateLayout = "20060102150405"

// BatteryLevels maps the provider's symbolic battery codes to a
// percentage. Codes not listed here are parsed as plain integers.
var BatteryLevels = map[string]int{
	"FULL":     100,
	"HIGH":     75,
	"MEDIUM":   50,
	"LOW":      25,
	"VERY_LOW": 10,
}

// Scalar is a JSON field the provider serves either as a string or as a
// number. Fields are declared *Scalar so that an absent key stays
// distinguishable from an empty value.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = Scalar(num.String())
	return nil
}

func (s *Scalar) Float() (float64, error) {
	return strconv.ParseFloat(string(*s), 64)
}

// Operation is one entry in a device's history log. The log is
// heterogeneous: plain location records carry coordinates at the top
// level with their timestamp under extra, while encLocation holds a
// nested block that is either a single (possibly encrypted) location or
// a map of per-sub-device locations.
type Operation struct {
	Type                  string          `json:"oprnType"`
	Latitude              *Scalar         `json:"latitude,omitempty"`
	Longitude             *Scalar         `json:"longitude,omitempty"`
	HorizontalUncertainty *Scalar         `json:"horizontalUncertainty,omitempty"`
	VerticalUncertainty   *Scalar         `json:"verticalUncertainty,omitempty"`
	Extra                 *OperationExtra `json:"extra,omitempty"`
	Battery               *Scalar         `json:"battery,omitempty"`
	EncLocation           json.RawMessage `json:"encLocation,omitempty"`
}

type OperationExtra struct {
	GPSUTCDate string `json:"gpsUtcDt,omitempty"`
}

// locationBlock is the flat shape of an encLocation payload.
type locationBlock struct {
	Encrypted             bool    `json:"encrypted"`
	Latitude              *Scalar `json:"latitude"`
	Longitude             *Scalar `json:"longitude"`
	HorizontalUncertainty *Scalar `json:"horizontalUncertainty"`
	VerticalUncertainty   *Scalar `json:"verticalUncertainty"`
	GPSUTCDate            string  `json:"gpsUtcDt"`
}

// ParseSTFDate parses the provider's 14-digit UTC timestamp.
func ParseSTFDate(s string) (time.Time, error) {
	return time.ParseInLocation(stfDateLayout, s, time.UTC)
}

// CalcGPSAccuracy combines horizontal and vertical uncertainty into one
// accuracy value (sqrt(h²+v²), rounded to one decimal). Returns nil when
// either uncertainty is absent or non-numeric.
func CalcGPSAccuracy(hu, vu *Scalar) *float64 {
	if hu == nil || vu == nil {
		return nil
	}
	h, err := hu.Float()
	if err != nil {
		return nil
	}
	v, err := vu.Float()
	if err != nil {
		return nil
	}
	acc := math.Round(math.Sqrt(h*h+v*v)*10) / 10
	return &acc
}

// SelectLocation scans a device's operation log and accumulates the
// freshest usable fix. Older-or-equal records never override a newer
// one, so the result is independent of the order the log arrives in.
// Encrypted blocks and blocks without a timestamp are unusable and
// skipped. A nil used operation means no record qualified.
func SelectLocation(log zerolog.Logger, ops []Operation) (used *Operation, loc *Location, found bool, err error) {
	acc := &Location{}

	for i := range ops {
		op := &ops[i]
		switch op.Type {
		case OprnTypeLocation, OprnTypeLastLoc, OprnTypeOfflineLoc:
		default:
			continue
		}

		if op.Latitude != nil {
			if op.Extra == nil || op.Extra.GPSUTCDate == "" {
				log.Error().Str("oprn_type", op.Type).Msg("no UTC date on plain location operation, this should not happen")
				continue
			}
			utcDate, perr := ParseSTFDate(op.Extra.GPSUTCDate)
			if perr != nil {
				return nil, nil, false, fmt.Errorf("parse gpsUtcDt: %w", perr)
			}
			if !acc.GPSDate.IsZero() && !acc.GPSDate.Before(utcDate) {
				log.Debug().Str("oprn_type", op.Type).Msg("ignoring location older than the previous")
				continue
			}

			lat, perr := op.Latitude.Float()
			if perr != nil {
				return nil, nil, false, fmt.Errorf("parse latitude: %w", perr)
			}
			acc.Latitude = &lat
			if op.Longitude != nil {
				lon, perr := op.Longitude.Float()
				if perr != nil {
					return nil, nil, false, fmt.Errorf("parse longitude: %w", perr)
				}
				acc.Longitude = &lon
			}
			found = true

			acc.GPSAccuracy = CalcGPSAccuracy(op.HorizontalUncertainty, op.VerticalUncertainty)
			acc.GPSDate = utcDate
			used = op
		} else if len(op.EncLocation) > 0 {
			var block locationBlock
			if perr := json.Unmarshal(op.EncLocation, &block); perr != nil {
				return nil, nil, false, fmt.Errorf("decode encLocation: %w", perr)
			}
			if block.Encrypted {
				log.Info().Str("oprn_type", op.Type).Msg("ignoring encrypted location")
				continue
			}
			if block.GPSUTCDate == "" {
				log.Info().Str("oprn_type", op.Type).Msg("ignoring location with missing date")
				continue
			}
			utcDate, perr := ParseSTFDate(block.GPSUTCDate)
			if perr != nil {
				return nil, nil, false, fmt.Errorf("parse gpsUtcDt: %w", perr)
			}
			if !acc.GPSDate.IsZero() && !acc.GPSDate.Before(utcDate) {
				log.Debug().Str("oprn_type", op.Type).Msg("ignoring location older than the previous")
				continue
			}

			opFound := false
			if block.Latitude != nil {
				lat, perr := block.Latitude.Float()
				if perr != nil {
					return nil, nil, false, fmt.Errorf("parse latitude: %w", perr)
				}
				acc.Latitude = &lat
				opFound = true
			}
			if block.Longitude != nil {
				lon, perr := block.Longitude.Float()
				if perr != nil {
					return nil, nil, false, fmt.Errorf("parse longitude: %w", perr)
				}
				acc.Longitude = &lon
				opFound = true
			} else {
				// The found flag is set here only when the block carries
				// no longitude. Kept exactly as observed; see the open
				// questions in DESIGN.md before touching this.
				found = true
			}
			if !opFound {
				log.Warn().Str("oprn_type", op.Type).Msg("no coordinates in operation")
			}

			acc.GPSAccuracy = CalcGPSAccuracy(block.HorizontalUncertainty, block.VerticalUncertainty)
			acc.GPSDate = utcDate
			used = op
		}
	}

	if used == nil {
		log.Warn().Msg("no usable location operation found")
		return nil, nil, found, nil
	}
	return used, acc, found, nil
}

// SubLocation returns the first operation whose encLocation map carries
// an entry for subDevice ("left" or "right") plus that entry's fix. The
// provider returns history newest-first and no re-sort is done, so the
// first match is assumed freshest.
func SubLocation(ops []Operation, subDevice string) (*Operation, *Location, error) {
	if len(ops) == 0 || subDevice == "" {
		return nil, nil, nil
	}
	for i := range ops {
		op := &ops[i]
		if len(op.EncLocation) == 0 {
			continue
		}
		var subs map[string]json.RawMessage
		if err := json.Unmarshal(op.EncLocation, &subs); err != nil {
			continue
		}
		raw, ok := subs[subDevice]
		if !ok {
			continue
		}
		var block locationBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, nil, fmt.Errorf("decode %s location: %w", subDevice, err)
		}
		if block.Latitude == nil || block.Longitude == nil || block.GPSUTCDate == "" {
			return nil, nil, fmt.Errorf("incomplete %s location block", subDevice)
		}
		lat, err := block.Latitude.Float()
		if err != nil {
			return nil, nil, fmt.Errorf("parse latitude: %w", err)
		}
		lon, err := block.Longitude.Float()
		if err != nil {
			return nil, nil, fmt.Errorf("parse longitude: %w", err)
		}
		date, err := ParseSTFDate(block.GPSUTCDate)
		if err != nil {
			return nil, nil, fmt.Errorf("parse gpsUtcDt: %w", err)
		}
		loc := &Location{
			Latitude:    &lat,
			Longitude:   &lon,
			GPSAccuracy: CalcGPSAccuracy(block.HorizontalUncertainty, block.VerticalUncertainty),
			GPSDate:     date,
		}
		return op, loc, nil
	}
	return nil, nil, nil
}

// BatteryLevel extracts the battery percentage from the first
// CHECK_CONNECTION operation carrying a battery field. Symbolic codes go
// through BatteryLevels, anything else is parsed as an integer. First
// match wins; same newest-first assumption as SubLocation.
func BatteryLevel(log zerolog.Logger, ops []Operation) *int {
	for i := range ops {
		op := &ops[i]
		if op.Type != OprnTypeCheckConnection || op.Battery == nil {
			continue
		}
		raw := string(*op.Battery)
		if level, ok := BatteryLevels[raw]; ok {
			return &level
		}
		level, err := strconv.Atoi(raw)
		if err != nil {
			log.Warn().Str("battery", raw).Msg("received invalid battery level")
			return nil
		}
		return &level
	}
	return nil
}
