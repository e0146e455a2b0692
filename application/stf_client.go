package application

import (
	"context"
	"errors"
	"time"
)

// ErrAuthFailed signals that the session credential is no longer accepted
// by SmartThings Find. Recovering requires a full QR login; retrying the
// failed call is pointless. Callers check it with errors.Is.
var ErrAuthFailed = errors.New("authentication failed")

const (
	DeviceTypeTag   = "TAG"
	SubTypeDualUnit = "CANAL2"
)

// Device is one entry of the SmartThings Find device catalog. Immutable
// for the lifetime of a bridge run.
type Device struct {
	ID        string
	Name      string
	ModelID   string
	ModelName string
	TypeCode  string
	SubType   string
	UserID    string
	Icon      string
	Info      DeviceInfo
}

// IsTag reports whether the device is a SmartTag. Tags and non-tags have
// independent active-mode settings.
func (d Device) IsTag() bool {
	return d.TypeCode == DeviceTypeTag
}

// DualUnit reports whether the device is a paired left/right unit (earbud
// case) that yields two trackable sub-devices.
func (d Device) DualUnit() bool {
	return d.SubType == SubTypeDualUnit
}

// DeviceInfo is the denormalized descriptor published for host display.
type DeviceInfo struct {
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	Name             string `json:"name"`
	ConfigurationURL string `json:"configuration_url"`
}

// Location is one extracted fix. Latitude and longitude are pointers
// because the provider can serve a record with either coordinate missing.
type Location struct {
	Latitude    *float64
	Longitude   *float64
	GPSAccuracy *float64
	GPSDate     time.Time
}

// ResolvedLocation is the outcome of one location resolution for one
// device. LocationFound is true iff at least one operation yielded a
// coordinate; UsedLocation.GPSDate is then the maximum timestamp among
// all operations a coordinate was extracted from.
type ResolvedLocation struct {
	DeviceID      string
	UpdateSuccess bool
	LocationFound bool
	UsedOperation *Operation
	UsedLocation  *Location
	Operations    []Operation
}

// STFClient is the SmartThings Find API surface the bridge depends on.
// All calls share one session credential and one CSRF token and are
// issued sequentially, never concurrently.
type STFClient interface {
	// FetchCSRF refreshes the anti-forgery token required by every other
	// call. A failure wraps ErrAuthFailed: the session cookie itself is
	// what is stale.
	FetchCSRF(ctx context.Context) error

	// Devices lists the devices bound to the account, minus the ones the
	// host registry has disabled. A 404 wraps ErrAuthFailed; any other
	// provider failure is soft and returns an empty list.
	Devices(ctx context.Context) ([]Device, error)

	// DeviceLocation resolves the freshest usable fix for one device. A
	// returned error wrapping ErrAuthFailed must abort the whole cycle;
	// any other error, and a result with UpdateSuccess false, only fails
	// this device for this cycle.
	DeviceLocation(ctx context.Context, device Device, active bool) (ResolvedLocation, error)

	// RingDevice posts a one-shot ring operation. On a non-200 response
	// it refreshes the CSRF token as a self-healing measure.
	RingDevice(ctx context.Context, device Device) error
}

// DeviceRegistry is the host-side lookup consulted when building the
// catalog; disabled devices are skipped entirely.
type DeviceRegistry interface {
	Disabled(deviceID string) bool
}
