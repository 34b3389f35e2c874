package hwlicense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20 // 1 MB
)

// Client talks to a license server over its HTTP API.
// Server error codes are mapped back to this package's sentinel errors.
type Client struct {
	serverURL  string
	httpClient *http.Client
	timeout    time.Duration // applied after all options
	userAgent  string
	hardwareID string
}

// NewClient creates a client for the license server at serverURL
// (e.g. "https://license.example.com").
func NewClient(serverURL string, opts ...ClientOption) *Client {
	c := &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		timeout:   defaultTimeout,
		userAgent: "hwlicense-go/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout
	return c
}

// HardwareID returns the hardware ID configured via WithHardwareID.
func (c *Client) HardwareID() string {
	return c.hardwareID
}

// Register requests a new license. If req.HardwareID is empty the
// client-level hardware ID is used.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.HardwareID == "" {
		req.HardwareID = c.hardwareID
	}
	var resp RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/license/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks a license for this device. If req.HardwareID is empty the
// client-level hardware ID is used.
func (c *Client) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	if req.HardwareID == "" {
		req.HardwareID = c.hardwareID
	}
	var resp ValidateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/license/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateVoucher creates a voucher on the server.
func (c *Client) GenerateVoucher(ctx context.Context, req GenerateVoucherRequest) (*GenerateVoucherResponse, error) {
	var resp GenerateVoucherResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/license/generate-voucher", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Voucher fetches a voucher by code.
func (c *Client) Voucher(ctx context.Context, code string) (*store.Voucher, error) {
	var resp store.Voucher
	if err := c.doJSON(ctx, http.MethodGet, "/api/license/voucher/"+url.PathEscape(code), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeactivateVoucher deactivates a voucher. Deactivating an inactive voucher succeeds.
func (c *Client) DeactivateVoucher(ctx context.Context, code string) (*MessageResponse, error) {
	var resp MessageResponse
	req := DeactivateVoucherRequest{VoucherCode: code}
	if err := c.doJSON(ctx, http.MethodPost, "/api/license/deactivate-voucher", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON performs a request with an optional JSON body and decodes the response into dest.
// On non-2xx responses, it parses the server error format and returns a mapped error.
func (c *Client) doJSON(ctx context.Context, method, path string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.parseError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseError parses the server error response format:
// {"error": {"code": "...", "message": "..."}}
func (c *Client) parseError(statusCode int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Code == "" {
		return &ServerError{
			StatusCode: statusCode,
			Code:       "UNKNOWN",
			Message:    string(body),
		}
	}
	return mapServerError(&ServerError{
		StatusCode: statusCode,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
	})
}
