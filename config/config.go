// Package config defines the library wide settings and the conversion job files read by the
// command line front-end.
package config

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"go.viam.com/utils"

	vutils "go.viam.com/voxelvault/utils"
)

// DefaultUserAgent is sent by network sources when no user agent is configured.
const DefaultUserAgent = "voxelvault"

// DefaultRequestTimeout bounds a single remote fetch when no timeout is configured.
const DefaultRequestTimeout = 5 * time.Minute

// A Config holds the process wide settings used by network performing collaborators. It is
// passed explicitly to whatever needs it rather than being kept in a global.
type Config struct {
	ProxyURL      string `json:"proxy_url,omitempty"`
	ProxyUsername string `json:"proxy_username,omitempty"`
	ProxyPassword string `json:"proxy_password,omitempty"`

	// IgnoreCertificateVerification disables TLS certificate checks for remote sources.
	IgnoreCertificateVerification bool          `json:"ignore_certificate_verification,omitempty"`
	UserAgent                     string        `json:"user_agent,omitempty"`
	RequestTimeout                time.Duration `json:"request_timeout,omitempty"`
}

// Default returns a Config with every default filled in.
func Default() Config {
	return Config{UserAgent: DefaultUserAgent, RequestTimeout: DefaultRequestTimeout}
}

// Validate ensures the config is usable and fills in defaults.
func (c *Config) Validate(path string) error {
	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil || u.Host == "" {
			return vutils.NewInvalidConfigurationError("%s: invalid proxy_url %q", path, c.ProxyURL)
		}
	}
	if c.ProxyPassword != "" && c.ProxyUsername == "" {
		return vutils.WithKind(vutils.InvalidConfiguration,
			utils.NewConfigValidationFieldRequiredError(path, "proxy_username"))
	}
	if c.RequestTimeout < 0 {
		return vutils.NewInvalidConfigurationError("%s: request_timeout must not be negative", path)
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// proxy returns the proxy URL with credentials applied, or nil when none is configured.
func (c *Config) proxy() (*url.URL, error) {
	if c.ProxyURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return nil, vutils.NewInvalidConfigurationError("invalid proxy_url %q: %v", c.ProxyURL, err)
	}
	if c.ProxyUsername != "" {
		u.User = url.UserPassword(c.ProxyUsername, c.ProxyPassword)
	}
	return u, nil
}

// HTTPClient builds a client honoring the proxy, certificate policy and timeout of c.
func (c *Config) HTTPClient() (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, vutils.NewNotSupportedError("unexpected default transport %T", http.DefaultTransport)
	}
	transport = transport.Clone()
	proxy, err := c.proxy()
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	if c.IgnoreCertificateVerification {
		//nolint:gosec
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := c.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// UserAgentOrDefault returns the configured user agent.
func (c *Config) UserAgentOrDefault() string {
	if c.UserAgent == "" {
		return DefaultUserAgent
	}
	return c.UserAgent
}
