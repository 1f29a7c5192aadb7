package sourceapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ClearPeaks/knime-audit/config"
)

// NewHTTPClient builds the HTTP client used against the execution server:
// TLS trust from SOURCE_CA_CERT_FILE, then basic auth or OAuth2 client
// credentials. With an OAuth issuer set, the token endpoint is discovered.
func NewHTTPClient(ctx context.Context, cfg config.SourceConfig) (*http.Client, error) {
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsCfg
	plain := &http.Client{Transport: base, Timeout: cfg.Timeout}

	switch cfg.AuthMode {
	case config.SourceAuthOAuth2:
		tokenURL := cfg.OAuthTokenURL
		if tokenURL == "" {
			dctx := gooidc.ClientContext(ctx, plain)
			provider, err := gooidc.NewProvider(dctx, cfg.OAuthIssuer)
			if err != nil {
				return nil, fmt.Errorf("discover oauth issuer %s: %w", cfg.OAuthIssuer, err)
			}
			tokenURL = provider.Endpoint().TokenURL
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		// The token source outlives ctx; bind it to the plain client only.
		tctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)
		hc := cc.Client(tctx)
		hc.Timeout = cfg.Timeout
		return hc, nil
	default:
		return &http.Client{
			Transport: &basicAuthTransport{user: cfg.User, password: cfg.Password, next: base},
			Timeout:   cfg.Timeout,
		}, nil
	}
}

func tlsConfig(cfg config.SourceConfig) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.InsecureSkipVerify {
		out.InsecureSkipVerify = true //nolint:gosec // explicit operator opt-in
	}
	if cfg.CACertFile == "" {
		return out, nil
	}
	pem, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("read source CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("source CA file contains no certificates")
	}
	out.RootCAs = pool
	return out, nil
}

type basicAuthTransport struct {
	user     string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.user == "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.user, t.password)
	return t.next.RoundTrip(r)
}
