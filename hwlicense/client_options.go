package hwlicense

import (
	"net/http"
	"time"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for the Client.
// The client's Timeout will be overridden by WithTimeout (or the default 10s).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *Client) {
		o.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout. Default is 10 seconds.
// Option ordering does not matter: timeout is always applied after all options.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *Client) {
		o.timeout = d
	}
}

// WithUserAgent sets the User-Agent header sent with requests.
func WithUserAgent(ua string) ClientOption {
	return func(o *Client) {
		o.userAgent = ua
	}
}

// WithHardwareID sets the hardware ID used when a request leaves it empty.
// Use GenerateFingerprint to derive one for the current machine.
func WithHardwareID(hwid string) ClientOption {
	return func(o *Client) {
		o.hardwareID = hwid
	}
}
