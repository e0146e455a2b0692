package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MinUpdateInterval is the enforced floor for the polling interval.
const MinUpdateInterval = 30 * time.Second

var subDeviceNames = []string{"left", "right"}

type STFToMQTTService interface {
	Run(ctx context.Context) error

	// Results returns the outcome of the last completed sweep, keyed by
	// device id.
	Results() map[string]ResolvedLocation
}

type STFToMQTTServiceParams struct {
	STFClient  STFClient
	MQTTClient MQTTClient

	MQTTTopic           string
	UpdateInterval      time.Duration
	ActiveModeSmartTags bool
	ActiveModeOthers    bool

	Log zerolog.Logger
}

// DeviceState is the per-device projection published on the state topic,
// assembled field by field from the resolver output and the catalog
// record. Coordinates are only carried over when the cycle actually
// produced a fix.
type DeviceState struct {
	DeviceID      string     `json:"device_id"`
	Name          string     `json:"name"`
	LocationFound bool       `json:"location_found"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
	GPSAccuracy   *float64   `json:"gps_accuracy"`
	LastSeen      *time.Time `json:"last_seen"`
	Battery       *int       `json:"battery"`
}

type stfToMQTTService struct {
	params STFToMQTTServiceParams

	devices []Device

	mu      sync.RWMutex
	results map[string]ResolvedLocation

	rings chan string

	log zerolog.Logger
}

func NewSTFToMQTTService(params STFToMQTTServiceParams) (STFToMQTTService, error) {
	if params.STFClient == nil {
		return nil, fmt.Errorf("STFClient is nil")
	}
	if params.MQTTClient == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	if params.MQTTTopic == "" {
		return nil, fmt.Errorf("MQTTTopic is empty")
	}
	if params.UpdateInterval < MinUpdateInterval {
		params.Log.Warn().
			Dur("requested", params.UpdateInterval).
			Dur("floor", MinUpdateInterval).
			Msg("update interval below floor, clamping")
		params.UpdateInterval = MinUpdateInterval
	}
	return &stfToMQTTService{
		params: params,
		rings:  make(chan string, 16),
		log:    params.Log,
	}, nil
}

// Run performs the first full refresh (CSRF, catalog, one sweep) and
// then polls until the context is cancelled. An authentication failure
// at any point aborts the run; the caller must send the user through
// the QR login again.
func (s *stfToMQTTService) Run(ctx context.Context) error {
	if err := s.params.STFClient.FetchCSRF(ctx); err != nil {
		return fmt.Errorf("initial csrf fetch: %w", err)
	}

	devices, err := s.params.STFClient.Devices(ctx)
	if err != nil {
		return fmt.Errorf("device catalog: %w", err)
	}
	s.devices = devices
	s.log.Info().Int("devices", len(devices)).Msg("device catalog loaded")

	for _, device := range devices {
		s.publishInfo(device)
	}

	// The integration counts as up only once a whole first sweep went
	// through without an auth failure.
	if err := s.sweep(ctx); err != nil {
		return err
	}

	err = s.params.MQTTClient.Subscribe(s.params.MQTTTopic+"/+/ring", 0, s.onRingMessage)
	if err != nil {
		return fmt.Errorf("subscribe ring topic: %w", err)
	}

	// The derived context unwinds the ring worker and the reporter when
	// the sweep loop fails, so an expired session surfaces from Run
	// instead of silently stopping the polling.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.params.UpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.sweep(gctx); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case deviceID := <-s.rings:
				s.ring(gctx, deviceID)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				status := s.params.MQTTClient.Status()
				s.log.Info().
					Uint64("published", status.MessageCount).
					Bool("is_connected", status.Connected).
					Time("last_time_published", status.LastTimePublished).
					Msg("publish report")
			}
		}
	})

	return g.Wait()
}

func (s *stfToMQTTService) Results() map[string]ResolvedLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ResolvedLocation, len(s.results))
	for id, res := range s.results {
		out[id] = res
	}
	return out
}

// sweep resolves every device in sequence and publishes the batch. The
// devices share one session and one CSRF token; issuing the calls one
// by one keeps the provider from rate-limiting the account. An auth
// failure aborts the sweep with the remaining devices unprocessed.
func (s *stfToMQTTService) sweep(ctx context.Context) error {
	s.log.Debug().Msg("updating locations")

	results := make(map[string]ResolvedLocation, len(s.devices))
	for _, device := range s.devices {
		active := device.IsTag() && s.params.ActiveModeSmartTags ||
			!device.IsTag() && s.params.ActiveModeOthers

		res, err := s.params.STFClient.DeviceLocation(ctx, device, active)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return fmt.Errorf("location update for %q: %w", device.Name, err)
			}
			s.log.Error().Err(err).Str("device", device.Name).Msg("location update failed")
			res = ResolvedLocation{DeviceID: device.ID}
		}
		results[device.ID] = res
	}

	s.mu.Lock()
	s.results = results
	s.mu.Unlock()

	s.log.Debug().Int("devices", len(results)).Msg("fetched locations")

	for _, device := range s.devices {
		s.publishState(device, results[device.ID])
	}
	return nil
}

func (s *stfToMQTTService) publishInfo(device Device) {
	payload, err := json.Marshal(device.Info)
	if err != nil {
		s.log.Error().Err(err).Str("device", device.Name).Msg("marshal device info")
		return
	}
	topic := fmt.Sprintf("%s/%s/info", s.params.MQTTTopic, device.ID)
	if err := s.params.MQTTClient.Publish(topic, 0, true, payload); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("publish device info")
	}
}

func (s *stfToMQTTService) publishState(device Device, res ResolvedLocation) {
	availability := "offline"
	if res.UpdateSuccess {
		availability = "online"
	}
	topic := fmt.Sprintf("%s/%s/availability", s.params.MQTTTopic, device.ID)
	if err := s.params.MQTTClient.Publish(topic, 0, true, availability); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("publish availability")
	}

	if !res.UpdateSuccess {
		// Keep the last good retained state; only availability flips.
		return
	}

	state := buildDeviceState(device, res, BatteryLevel(s.log, res.Operations))
	s.publishJSON(fmt.Sprintf("%s/%s/state", s.params.MQTTTopic, device.ID), state)

	if !device.DualUnit() {
		return
	}
	for _, sub := range subDeviceNames {
		_, loc, err := SubLocation(res.Operations, sub)
		if err != nil {
			s.log.Warn().Err(err).Str("device", device.Name).Str("sub_device", sub).Msg("sub-location extraction failed")
			continue
		}
		subState := DeviceState{
			DeviceID: device.ID + "_" + sub,
			Name:     device.Name + " " + strings.ToUpper(sub[:1]) + sub[1:],
		}
		if loc != nil {
			subState.LocationFound = true
			subState.Latitude = loc.Latitude
			subState.Longitude = loc.Longitude
			subState.GPSAccuracy = loc.GPSAccuracy
			lastSeen := loc.GPSDate
			subState.LastSeen = &lastSeen
		}
		s.publishJSON(fmt.Sprintf("%s/%s/%s/state", s.params.MQTTTopic, device.ID, sub), subState)
	}
}

func (s *stfToMQTTService) publishJSON(topic string, state DeviceState) {
	payload, err := json.Marshal(state)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("marshal state")
		return
	}
	if err := s.params.MQTTClient.Publish(topic, 0, true, payload); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("publish state")
	}
}

func buildDeviceState(device Device, res ResolvedLocation, battery *int) DeviceState {
	state := DeviceState{
		DeviceID:      device.ID,
		Name:          device.Name,
		LocationFound: res.LocationFound,
		Battery:       battery,
	}
	if res.LocationFound && res.UsedLocation != nil {
		state.Latitude = res.UsedLocation.Latitude
		state.Longitude = res.UsedLocation.Longitude
		state.GPSAccuracy = res.UsedLocation.GPSAccuracy
		lastSeen := res.UsedLocation.GPSDate
		state.LastSeen = &lastSeen
	}
	return state
}

// onRingMessage runs on the MQTT client's callback goroutine; it only
// queues the device id so the provider call happens on the ring worker,
// off the callback goroutine and serialized with other ring requests.
// Rings still interleave with the sweep loop.
func (s *stfToMQTTService) onRingMessage(msg MQTTMessage) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 || parts[len(parts)-1] != "ring" {
		s.log.Warn().Str("topic", msg.Topic()).Msg("ignoring malformed ring topic")
		return
	}
	deviceID := parts[len(parts)-2]

	select {
	case s.rings <- deviceID:
	default:
		s.log.Warn().Str("device_id", deviceID).Msg("ring queue full, dropping request")
	}
}

func (s *stfToMQTTService) ring(ctx context.Context, deviceID string) {
	for _, device := range s.devices {
		if device.ID != deviceID {
			continue
		}
		if err := s.params.STFClient.RingDevice(ctx, device); err != nil {
			s.log.Error().Err(err).Str("device", device.Name).Msg("ring failed")
		} else {
			s.log.Info().Str("device", device.Name).Msg("device rung")
		}
		return
	}
	s.log.Warn().Str("device_id", deviceID).Msg("ring requested for unknown device")
}
