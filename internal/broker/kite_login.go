package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	kiteLoginURL   = "https://kite.zerodha.com/api/login"
	kiteTwoFAURL   = "https://kite.zerodha.com/api/twofa"
	kiteConnectURL = "https://kite.zerodha.com/connect/login"
)

// kiteAPIResponse is the envelope of kite.zerodha.com/api responses.
type kiteAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RequestID string `json:"request_id"`
		TwoFAType string `json:"twofa_type"`
	} `json:"data"`
}

// fetchKiteRequestToken performs the scripted Kite login: password
// login, TOTP two-factor, then the Connect authorize redirect that
// carries the request token. The redirect to the app's registered URL
// is never followed; the token is captured from the redirect itself.
func fetchKiteRequestToken(ctx context.Context, cfg KiteConfig) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create cookie jar: %w", err)
	}

	var requestToken string
	client := &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if t := req.URL.Query().Get("request_token"); t != "" {
				requestToken = t
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	login, err := postKiteForm(ctx, client, kiteLoginURL, url.Values{
		"user_id":  {cfg.UserID},
		"password": {cfg.Password},
	})
	if err != nil {
		return "", fmt.Errorf("login step failed: %w", err)
	}
	if login.Data.RequestID == "" {
		return "", fmt.Errorf("login step returned no request id")
	}

	code, err := totpCode(cfg.TOTPSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}

	if _, err := postKiteForm(ctx, client, kiteTwoFAURL, url.Values{
		"user_id":      {cfg.UserID},
		"request_id":   {login.Data.RequestID},
		"twofa_value":  {code},
		"twofa_type":   {"totp"},
		"skip_session": {"true"},
	}); err != nil {
		return "", fmt.Errorf("twofa step failed: %w", err)
	}

	authorizeURL := fmt.Sprintf("%s?v=3&api_key=%s", kiteConnectURL, url.QueryEscape(cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect authorize failed: %w", err)
	}
	defer resp.Body.Close()

	if requestToken == "" {
		return "", fmt.Errorf("connect authorize did not yield a request token (status %d)", resp.StatusCode)
	}
	return requestToken, nil
}

func postKiteForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*kiteAPIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", "3")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed kiteAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", endpoint, err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("%s rejected: %s", endpoint, parsed.Message)
	}
	return &parsed, nil
}

// totpCode generates the current TOTP value for a base32 secret.
// Secrets are normalized first since brokers display them with spaces.
func totpCode(secret string) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	return totp.GenerateCode(normalized, time.Now())
}
