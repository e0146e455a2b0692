package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
	"stfind-to-mqtt/application"

	"github.com/rs/zerolog"
)

const (
	DefaultFindBaseURL = "https://smartthingsfind.samsung.com"

	pathGetCSRF       = "/chkLogin.do"
	pathDeviceList    = "/device/getDeviceList.do"
	pathAddOperation  = "/dm/addOperation.do"
	pathSetLastDevice = "/device/setLastSelect.do"
)

const STFDefaultRequestTimeout = 30 * time.Second

// ringLockMessage shows up on the device screen for devices that
// support lock messages.
const ringLockMessage = "stfind-to-mqtt is ringing your device!"

type STFClientParams struct {
	// SessionID is the JSESSIONID value obtained from the QR login.
	SessionID string

	// Registry filters out host-disabled devices. Optional.
	Registry application.DeviceRegistry

	// BaseURL overrides the SmartThings Find endpoint. For testing.
	BaseURL string

	// HTTPClient overrides the underlying client. For testing. The
	// session cookie jar is installed onto it either way.
	HTTPClient *http.Client

	Log zerolog.Logger
}

func (p *STFClientParams) EnsureDefaults() {
	if p.BaseURL == "" {
		p.BaseURL = DefaultFindBaseURL
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: STFDefaultRequestTimeout}
	}
}

// STFClient talks to the SmartThings Find API on behalf of one account.
// One session cookie and one CSRF token back every call; callers issue
// requests sequentially. Only FetchCSRF writes the token.
type STFClient struct {
	params STFClientParams

	base   *url.URL
	client *http.Client

	mu   sync.RWMutex
	csrf string

	log zerolog.Logger
}

func NewSTFClient(params STFClientParams) (*STFClient, error) {
	params.EnsureDefaults()

	if params.SessionID == "" {
		return nil, fmt.Errorf("SessionID is required")
	}
	base, err := url.Parse(params.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}
	jar.SetCookies(base, []*http.Cookie{{Name: "JSESSIONID", Value: params.SessionID}})

	client := params.HTTPClient
	client.Jar = jar

	return &STFClient{
		params: params,
		base:   base,
		client: client,
		log:    params.Log,
	}, nil
}

// FetchCSRF refreshes the anti-forgery token delivered in the _csrf
// response header. Any failure means the session cookie is stale, not
// just the token, so it surfaces as an auth failure.
func (c *STFClient) FetchCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.params.BaseURL+pathGetCSRF, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("csrf check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("csrf check returned status %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(body)), application.ErrAuthFailed)
	}
	token := resp.Header.Get("_csrf")
	if token == "" {
		return fmt.Errorf("csrf token missing from response headers: %w", application.ErrAuthFailed)
	}

	c.mu.Lock()
	c.csrf = token
	c.mu.Unlock()

	c.log.Info().Msg("fetched new csrf token")
	return nil
}

func (c *STFClient) csrfToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.csrf
}

type deviceListResponse struct {
	DeviceList []deviceModel `json:"deviceList"`
}

type deviceModel struct {
	DvceID         string `json:"dvceID"`
	ModelName      string `json:"modelName"`
	ModelID        string `json:"modelID"`
	DeviceTypeCode string `json:"deviceTypeCode"`
	SubType        string `json:"subType"`
	UsrID          string `json:"usrId"`
	Icons          struct {
		ColoredIcon string `json:"coloredIcon"`
	} `json:"icons"`
}

// Devices lists the account's devices. The provider double-encodes
// display names ("Benedev&amp;#39;s S22"), hence the two unescape
// passes. A 404 is the provider's way of saying the session is invalid.
func (c *STFClient) Devices(ctx context.Context) ([]application.Device, error) {
	reqURL := c.params.BaseURL + pathDeviceList + "?_csrf=" + url.QueryEscape(c.csrfToken())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device list request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.log.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("failed to retrieve devices")
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("device list returned 404: %w", application.ErrAuthFailed)
		}
		return []application.Device{}, nil
	}

	var list deviceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}

	devices := make([]application.Device, 0, len(list.DeviceList))
	for _, raw := range list.DeviceList {
		name := html.UnescapeString(html.UnescapeString(raw.ModelName))
		if c.params.Registry != nil && c.params.Registry.Disabled(raw.DvceID) {
			c.log.Debug().Str("device", name).Msg("ignoring disabled device")
			continue
		}
		devices = append(devices, application.Device{
			ID:        raw.DvceID,
			Name:      name,
			ModelID:   raw.ModelID,
			ModelName: name,
			TypeCode:  raw.DeviceTypeCode,
			SubType:   raw.SubType,
			UserID:    raw.UsrID,
			Icon:      raw.Icons.ColoredIcon,
			Info: application.DeviceInfo{
				Manufacturer:     "Samsung",
				Model:            raw.ModelID,
				Name:             name,
				ConfigurationURL: DefaultFindBaseURL + "/",
			},
		})
		c.log.Debug().Str("device", name).Msg("adding device")
	}
	return devices, nil
}

type operationPayload struct {
	DvceID      string `json:"dvceId"`
	Operation   string `json:"operation"`
	UsrID       string `json:"usrId"`
	Status      string `json:"status,omitempty"`
	LockMessage string `json:"lockMessage,omitempty"`
}

type setLastPayload struct {
	DvceID       string   `json:"dvceId"`
	RemoveDevice []string `json:"removeDevice"`
}

type operationListResponse struct {
	Operation *[]application.Operation `json:"operation"`
}

// DeviceLocation optionally nudges the provider for a fresh fix, then
// fetches the device's operation history and selects the freshest
// usable location from it.
func (c *STFClient) DeviceLocation(ctx context.Context, device application.Device, active bool) (application.ResolvedLocation, error) {
	log := c.log.With().Str("device", device.Name).Logger()

	if active {
		log.Debug().Msg("active mode, requesting location update now")
		nudge := operationPayload{
			DvceID:    device.ID,
			Operation: "CHECK_CONNECTION_WITH_LOCATION",
			UsrID:     device.UserID,
		}
		// Best effort: this only nudges the provider into producing a
		// fresher operation record.
		if _, _, err := c.postJSON(ctx, pathAddOperation, nudge); err != nil {
			log.Debug().Err(err).Msg("location refresh request failed")
		}
	} else {
		log.Debug().Msg("passive mode, not requesting location update")
	}

	status, body, err := c.postJSON(ctx, pathSetLastDevice, setLastPayload{
		DvceID:       device.ID,
		RemoveDevice: []string{},
	})
	if err != nil {
		return application.ResolvedLocation{}, fmt.Errorf("location request: %w", err)
	}
	log.Debug().Int("status", status).Msg("location response")

	if status != http.StatusOK {
		text := strings.TrimSpace(string(body))
		log.Error().Int("status", status).Str("body", text).Msg("failed to fetch device data")
		if text == "Logout" || status == http.StatusUnauthorized {
			return application.ResolvedLocation{}, fmt.Errorf(
				"session not valid anymore (status %d, body %q): %w", status, text, application.ErrAuthFailed)
		}
		return application.ResolvedLocation{DeviceID: device.ID}, nil
	}

	var data operationListResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return application.ResolvedLocation{}, fmt.Errorf("decode location response: %w", err)
	}

	res := application.ResolvedLocation{DeviceID: device.ID, UpdateSuccess: true}
	if data.Operation == nil {
		log.Warn().Msg("no operation list in response, marking update failed")
		res.UpdateSuccess = false
		return res, nil
	}
	res.Operations = *data.Operation
	if len(res.Operations) == 0 {
		log.Debug().Msg("empty operation list")
		return res, nil
	}

	used, loc, found, err := application.SelectLocation(log, res.Operations)
	if err != nil {
		return application.ResolvedLocation{}, fmt.Errorf("select location: %w", err)
	}
	res.UsedOperation = used
	res.UsedLocation = loc
	res.LocationFound = found

	usedType := "NONE"
	if used != nil {
		usedType = used.Type
	}
	log.Debug().Str("used_operation", usedType).Msg("location resolved")
	return res, nil
}

// RingDevice posts a RING operation. A non-200 response triggers a CSRF
// refresh to verify the session is still alive, not a hard failure.
func (c *STFClient) RingDevice(ctx context.Context, device application.Device) error {
	status, body, err := c.postJSON(ctx, pathAddOperation, operationPayload{
		DvceID:      device.ID,
		Operation:   "RING",
		UsrID:       device.UserID,
		Status:      "start",
		LockMessage: ringLockMessage,
	})
	if err != nil {
		return fmt.Errorf("ring request: %w", err)
	}
	if status == http.StatusOK {
		c.log.Info().Str("device", device.Name).Msg("successfully rang device")
		return nil
	}
	c.log.Warn().Int("status", status).Str("body", string(body)).
		Str("device", device.Name).Msg("ring returned non-200, refreshing csrf token")
	return c.FetchCSRF(ctx)
}

// postJSON sends a JSON body to path with the current CSRF token as the
// _csrf query parameter and returns status and raw body.
func (c *STFClient) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	reqURL := c.params.BaseURL + path + "?_csrf=" + url.QueryEscape(c.csrfToken())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

var _ application.STFClient = &STFClient{}

// StaticDeviceRegistry is a fixed disabled-device list, the stand-in for
// a host device registry.
type StaticDeviceRegistry struct {
	disabled map[string]struct{}
}

func NewStaticDeviceRegistry(disabledIDs []string) *StaticDeviceRegistry {
	disabled := make(map[string]struct{}, len(disabledIDs))
	for _, id := range disabledIDs {
		disabled[id] = struct{}{}
	}
	return &StaticDeviceRegistry{disabled: disabled}
}

func (r *StaticDeviceRegistry) Disabled(deviceID string) bool {
	_, ok := r.disabled[deviceID]
	return ok
}

var _ application.DeviceRegistry = &StaticDeviceRegistry{}
