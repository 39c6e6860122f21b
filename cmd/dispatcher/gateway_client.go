package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SessionInfo mirrors the gateway's session listing.
type SessionInfo struct {
	TenantID    string `json:"tenant_id"`
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
}

// GatewayClient talks to one gateway instance, caching the bearer token and
// the session list so each drain cycle does not hammer the API.
type GatewayClient struct {
	BaseURL     string
	Username    string
	Password    string
	AccessToken string
	ExpiresAt   time.Time

	httpClient *http.Client

	mu           sync.RWMutex
	sessionCache []SessionInfo
	cacheExpiry  time.Time
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func NewGatewayClient(baseURL, username, password string) *GatewayClient {
	return &GatewayClient{
		BaseURL:    baseURL,
		Username:   username,
		Password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GatewayClient) EnsureAuth() error {
	if c.AccessToken == "" || time.Now().After(c.ExpiresAt) {
		return c.Login()
	}
	return nil
}

func (c *GatewayClient) Login() error {
	payload, _ := json.Marshal(map[string]string{
		"username": c.Username,
		"password": c.Password,
	})

	resp, err := c.httpClient.Post(c.BaseURL+"/login", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("login failed: %s", res.Message)
	}

	var data struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return err
	}

	c.AccessToken = data.AccessToken
	// Refresh a little before the server-side expiry.
	c.ExpiresAt = data.ExpiresAt.Add(-10 * time.Minute)
	return nil
}

// ConnectedSessions returns sessions currently able to carry traffic,
// cached for a minute.
func (c *GatewayClient) ConnectedSessions() ([]SessionInfo, error) {
	c.mu.RLock()
	if c.sessionCache != nil && time.Now().Before(c.cacheExpiry) {
		cached := filterConnected(c.sessionCache)
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if err := c.EnsureAuth(); err != nil {
		return nil, err
	}

	req, _ := http.NewRequest("GET", c.BaseURL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("list sessions failed: %s", res.Message)
	}

	var sessions []SessionInfo
	if err := json.Unmarshal(res.Data, &sessions); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessionCache = sessions
	c.cacheExpiry = time.Now().Add(1 * time.Minute)
	c.mu.Unlock()

	return filterConnected(sessions), nil
}

func filterConnected(sessions []SessionInfo) []SessionInfo {
	var out []SessionInfo
	for _, s := range sessions {
		if s.Status == "connected" {
			out = append(out, s)
		}
	}
	return out
}

// SendMessage delivers one text message through the session's API endpoint.
// The queued flag is set when the gateway accepted the message into its own
// outbox instead of delivering it.
func (c *GatewayClient) SendMessage(tenantID, phone, to, content string) (delivered, queued bool, message string, err error) {
	if err := c.EnsureAuth(); err != nil {
		return false, false, "", err
	}

	payload, _ := json.Marshal(map[string]string{
		"to":      to,
		"content": content,
	})

	url := fmt.Sprintf("%s/api/sessions/%s/%s/messages", c.BaseURL, tenantID, phone)
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(payload))
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, false, "", err
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return false, false, "", err
	}

	if resp.StatusCode == http.StatusAccepted {
		return false, true, res.Message, nil
	}
	return res.Success, false, res.Message, nil
}
