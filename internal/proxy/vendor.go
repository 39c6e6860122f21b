package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// VendorIP is one purchased egress identity as the vendor returns it.
type VendorIP struct {
	IP       string
	Port     int
	Username string
	Password string
	Country  string
}

// Address builds the proxy URL the transport dials through.
func (v VendorIP) Address() string {
	if v.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s:%d", v.Username, v.Password, v.IP, v.Port)
	}
	return fmt.Sprintf("http://%s:%d", v.IP, v.Port)
}

// Vendor is the proxy vendor API consumed by the lease manager.
type Vendor interface {
	// Purchase buys a dedicated IP in the given country. Returns
	// ErrVendorUnavailable when the country is out of stock.
	Purchase(ctx context.Context, country string) (VendorIP, error)
	// Check is the dry-run availability probe. Not all vendors support it.
	Check(ctx context.Context, country string) (bool, error)
	Release(ctx context.Context, ip string) error
}

// VendorClient talks JSON over HTTP to the proxy vendor.
type VendorClient struct {
	BaseURL string
	APIKey  string

	httpClient *http.Client
}

type vendorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		IP        string `json:"ip"`
		Port      int    `json:"port"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		Country   string `json:"country"`
		Available bool   `json:"available"`
	} `json:"data"`
}

func NewVendorClient(baseURL, apiKey string) *VendorClient {
	return &VendorClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *VendorClient) post(ctx context.Context, path string, payload map[string]string) (*vendorResponse, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res vendorResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode vendor response: %w", err)
	}
	return &res, nil
}

func (c *VendorClient) Purchase(ctx context.Context, country string) (VendorIP, error) {
	res, err := c.post(ctx, "/ips/purchase", map[string]string{"country": country})
	if err != nil {
		return VendorIP{}, err
	}

	if !res.Success {
		if strings.Contains(strings.ToLower(res.Message), "unavailable") ||
			strings.Contains(strings.ToLower(res.Message), "out of stock") {
			return VendorIP{}, ErrVendorUnavailable
		}
		return VendorIP{}, fmt.Errorf("vendor purchase failed: %s", res.Message)
	}

	ip := VendorIP{
		IP:       res.Data.IP,
		Port:     res.Data.Port,
		Username: res.Data.Username,
		Password: res.Data.Password,
		Country:  res.Data.Country,
	}
	if ip.Country == "" {
		ip.Country = country
	}
	return ip, nil
}

func (c *VendorClient) Check(ctx context.Context, country string) (bool, error) {
	res, err := c.post(ctx, "/ips/check", map[string]string{"country": country})
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, fmt.Errorf("vendor check failed: %s", res.Message)
	}
	return res.Data.Available, nil
}

func (c *VendorClient) Release(ctx context.Context, ip string) error {
	res, err := c.post(ctx, "/ips/release", map[string]string{"ip": ip})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("vendor release failed: %s", res.Message)
	}
	return nil
}
