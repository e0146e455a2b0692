package adapters

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultAccountBaseURL = "https://account.samsung.com"

	// pathPreSignIn embeds the caller-generated state token. client_id
	// is static for SmartThings Find. The query string is sent exactly
	// as the web frontend sends it.
	pathPreSignIn = "/accounts/v1/FMM2/signInGate?state={state}&redirect_uri=https:%2F%2Fsmartthingsfind.samsung.com%2Flogin.do&response_type=code&client_id=ntly6zvfpn&scope=iot.client&locale=de_DE&acr_values=urn:samsungaccount:acr:basic&goBackURL=https:%2F%2Fsmartthingsfind.samsung.com%2Flogin"

	pathQRCodeSignIn = "/accounts/v1/FMM2/signInWithQrCode"
	pathSignInXhr    = "/accounts/v1/FMM2/signInXhr"
	pathQRPoll       = "/accounts/v1/FMM2/signInWithQrCodeProc"
)

const (
	LoginDefaultPollInterval = 2 * time.Second
	LoginDefaultPollBudget   = 120 * time.Second
)

const stateAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// qrCodeURLPattern matches the URL embedded in the QR signin page,
// shaped like https://signin.samsung.com/key/abcdefgh.
var qrCodeURLPattern = regexp.MustCompile(`https://signin\.samsung\.com/key/[^'"]+`)

// redirectURLPattern matches the JavaScript redirect embedded in the
// signin-success page.
var redirectURLPattern = regexp.MustCompile(`window\.location\.href\s*=\s*['"]([^'"]+)['"]`)

type LoginHandshakeParams struct {
	// AccountBaseURL and FindBaseURL override the vendor endpoints. For
	// testing.
	AccountBaseURL string
	FindBaseURL    string

	// HTTPClient overrides the underlying client. For testing. A fresh
	// cookie jar is installed onto it either way; the handshake must
	// start from a clean slate.
	HTTPClient *http.Client

	PollInterval time.Duration
	PollBudget   time.Duration

	Log zerolog.Logger
}

func (p *LoginHandshakeParams) EnsureDefaults() {
	if p.AccountBaseURL == "" {
		p.AccountBaseURL = DefaultAccountBaseURL
	}
	if p.FindBaseURL == "" {
		p.FindBaseURL = DefaultFindBaseURL
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: STFDefaultRequestTimeout}
	}
	if p.PollInterval == 0 {
		p.PollInterval = LoginDefaultPollInterval
	}
	if p.PollBudget == 0 {
		p.PollBudget = LoginDefaultPollBudget
	}
}

// LoginHandshake drives the two-stage QR login. StageOne issues the
// pre-signin requests and yields the URL to render as a QR code;
// StageTwo polls until the user scans it and extracts the session
// credential. The split lets the caller display the QR code between the
// two stages.
type LoginHandshake struct {
	params LoginHandshakeParams

	client *http.Client
	qrURL  string

	log zerolog.Logger
}

func NewLoginHandshake(params LoginHandshakeParams) (*LoginHandshake, error) {
	params.EnsureDefaults()

	// Fresh jar: stage one must not inherit cookies from a previous
	// attempt.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}
	params.HTTPClient.Jar = jar

	return &LoginHandshake{
		params: params,
		client: params.HTTPClient,
		log:    params.Log,
	}, nil
}

// QRURL returns the URL extracted by StageOne, empty before then.
func (h *LoginHandshake) QRURL() string {
	return h.qrURL
}

// StageOne loads the pre-signin gate with a random state token, then
// the QR signin page, and extracts the URL the QR code must encode.
func (h *LoginHandshake) StageOne(ctx context.Context) (string, error) {
	state, err := randomState(16)
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}

	preSignIn := h.params.AccountBaseURL + strings.ReplaceAll(pathPreSignIn, "{state}", state)
	status, _, err := h.get(ctx, preSignIn)
	if err != nil {
		return "", fmt.Errorf("pre-login request: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("pre-login request failed with status %d", status)
	}
	h.log.Debug().Int("status", status).Msg("step 1: pre-login")

	status, body, err := h.get(ctx, h.params.AccountBaseURL+pathQRCodeSignIn)
	if err != nil {
		return "", fmt.Errorf("qr code page request: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("qr code page request failed with status %d", status)
	}
	h.log.Debug().Int("status", status).Msg("step 2: qr code page")

	qrURL, err := extractQRCodeURL(string(body))
	if err != nil {
		return "", err
	}
	h.log.Info().Str("qr_url", qrURL).Msg("extracted qr code url")

	h.qrURL = qrURL
	return qrURL, nil
}

type signInXhrResponse struct {
	CSRF struct {
		Token string `json:"token"`
	} `json:"_csrf"`
}

type qrPollResponse struct {
	RtnCd   string `json:"rtnCd"`
	NextURL string `json:"nextURL"`
}

// StageTwo polls the provider until the QR code is scanned, follows the
// signin-success redirect chain, and returns the JSESSIONID value that
// authenticates against SmartThings Find.
func (h *LoginHandshake) StageTwo(ctx context.Context) (string, error) {
	status, body, err := h.get(ctx, h.params.AccountBaseURL+pathSignInXhr)
	if err != nil {
		return "", fmt.Errorf("xhr login request: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("xhr login request failed with status %d", status)
	}
	var xhr signInXhrResponse
	if err := json.Unmarshal(body, &xhr); err != nil {
		return "", fmt.Errorf("decode xhr login response: %w", err)
	}
	if xhr.CSRF.Token == "" {
		return "", fmt.Errorf("csrf token not found in xhr login response")
	}
	h.log.Debug().Int("status", status).Msg("step 3: xhr login")

	nextURL, err := h.pollQRScan(ctx, xhr.CSRF.Token)
	if err != nil {
		return "", err
	}

	// Fetching nextURL sets a provisional session cookie on the account
	// domain; it is not yet valid for SmartThings Find.
	status, body, err = h.get(ctx, h.params.AccountBaseURL+nextURL)
	if err != nil {
		return "", fmt.Errorf("login success request: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("login success request failed with status %d", status)
	}
	h.log.Debug().Int("status", status).Msg("step 5: login success")

	redirectURL, err := extractRedirectURL(string(body))
	if err != nil {
		return "", err
	}
	h.log.Debug().Str("redirect_url", redirectURL).Msg("found redirect url")

	status, _, err = h.get(ctx, redirectURL)
	if err != nil {
		return "", fmt.Errorf("redirect request: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("redirect request failed with status %d", status)
	}
	h.log.Debug().Int("status", status).Msg("step 6: follow redirect url")

	findURL, err := url.Parse(h.params.FindBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse find base url: %w", err)
	}
	for _, cookie := range h.client.Jar.Cookies(findURL) {
		if cookie.Name == "JSESSIONID" {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("JSESSIONID not found in cookies")
}

// pollQRScan posts to the poll endpoint every PollInterval until the
// provider reports SUCCESS, the wall-clock budget runs out, or the
// context is cancelled. Cancellation is only observed at iteration
// boundaries.
func (h *LoginHandshake) pollQRScan(ctx context.Context, csrfToken string) (string, error) {
	deadline := time.Now().Add(h.params.PollBudget)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(h.params.PollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			h.params.AccountBaseURL+pathQRPoll, strings.NewReader("{}"))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Csrf-Token", csrfToken)

		resp, err := h.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("qr poll request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("qr poll request failed: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			h.log.Error().Int("status", resp.StatusCode).Msg("qr check request failed")
			continue
		}

		var poll qrPollResponse
		if err := json.Unmarshal(body, &poll); err != nil {
			return "", fmt.Errorf("decode qr poll response: %w", err)
		}
		h.log.Debug().Str("rtn_cd", poll.RtnCd).Msg("step 4: qr check")

		if poll.RtnCd == "SUCCESS" {
			return poll.NextURL, nil
		}
	}

	return "", fmt.Errorf("qr code not scanned in time")
}

func (h *LoginHandshake) get(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// extractQRCodeURL isolates the page scraping from the state machine so
// the matching strategy can change without touching it.
func extractQRCodeURL(page string) (string, error) {
	match := qrCodeURLPattern.FindString(page)
	if match == "" {
		return "", fmt.Errorf("qr code url not found in the response")
	}
	return match, nil
}

func extractRedirectURL(page string) (string, error) {
	match := redirectURLPattern.FindStringSubmatch(page)
	if match == nil {
		return "", fmt.Errorf("redirect url not found in the login success response")
	}
	return match[1], nil
}

func randomState(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = stateAlphabet[int(b)%len(stateAlphabet)]
	}
	return string(out), nil
}
