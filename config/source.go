package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SourceAuthMode selects how requests to the execution server are authenticated.
type SourceAuthMode string

const (
	// SourceAuthBasic sends SOURCE_USER/SOURCE_PASSWORD as HTTP basic auth.
	SourceAuthBasic SourceAuthMode = "basic"
	// SourceAuthOAuth2 uses the OAuth2 client credentials grant.
	SourceAuthOAuth2 SourceAuthMode = "oauth2"
)

const defaultSourceAPIPath = "/knime/rest/v4"

// SourceConfig describes the execution server REST API the fetchers talk to.
type SourceConfig struct {
	// BaseURL is the full REST root. When empty it is derived from Host and Port.
	BaseURL string `env:"SOURCE_BASE_URL"`
	Host    string `env:"SOURCE_HOST"    envDefault:"localhost"`
	Port    int    `env:"SOURCE_PORT"    envDefault:"8443"`

	User     string `env:"SOURCE_USER"`
	Password string `env:"SOURCE_PASSWORD"`

	CACertFile         string        `env:"SOURCE_CA_CERT_FILE"`
	InsecureSkipVerify bool          `env:"SOURCE_INSECURE_SKIP_VERIFY" envDefault:"false"`
	Timeout            time.Duration `env:"SOURCE_TIMEOUT"              envDefault:"30s"`

	AuthMode          SourceAuthMode `env:"SOURCE_AUTH_MODE"           envDefault:"basic"`
	OAuthIssuer       string         `env:"SOURCE_OAUTH_ISSUER"`
	OAuthTokenURL     string         `env:"SOURCE_OAUTH_TOKEN_URL"`
	OAuthClientID     string         `env:"SOURCE_OAUTH_CLIENT_ID"`
	OAuthClientSecret string         `env:"SOURCE_OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string       `env:"SOURCE_OAUTH_SCOPES"        envSeparator:","`

	// ProbeOnStart lists jobs once at startup to fail fast on bad credentials or TLS.
	ProbeOnStart bool `env:"SOURCE_PROBE_ON_START" envDefault:"true"`
	// TriggerSwap forces the server to swap the job out (and write its summary) before retrieval.
	TriggerSwap bool `env:"SOURCE_TRIGGER_SWAP" envDefault:"false"`
}

// Sanitize applies guardrails to source configuration values.
func (c *SourceConfig) Sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 8443
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	mode := SourceAuthMode(strings.ToLower(strings.TrimSpace(string(c.AuthMode))))
	switch mode {
	case SourceAuthBasic, SourceAuthOAuth2:
		c.AuthMode = mode
	default:
		c.AuthMode = SourceAuthBasic
	}

	c.OAuthIssuer = strings.TrimSpace(c.OAuthIssuer)
	c.OAuthTokenURL = strings.TrimSpace(c.OAuthTokenURL)
	scopes := c.OAuthScopes[:0]
	for _, s := range c.OAuthScopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	c.OAuthScopes = scopes
}

// APIBaseURL returns the REST root, deriving https://host:port/knime/rest/v4 when BaseURL is unset.
func (c *SourceConfig) APIBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	u := url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   defaultSourceAPIPath,
	}
	return u.String()
}

// Validate reports configuration combinations that cannot work.
func (c *SourceConfig) Validate() error {
	if _, err := url.Parse(c.APIBaseURL()); err != nil {
		return fmt.Errorf("invalid source base url: %w", err)
	}
	if c.AuthMode == SourceAuthOAuth2 {
		if c.OAuthClientID == "" {
			return fmt.Errorf("SOURCE_OAUTH_CLIENT_ID is required for oauth2 auth mode")
		}
		if c.OAuthTokenURL == "" && c.OAuthIssuer == "" {
			return fmt.Errorf("SOURCE_OAUTH_TOKEN_URL or SOURCE_OAUTH_ISSUER is required for oauth2 auth mode")
		}
	}
	return nil
}
