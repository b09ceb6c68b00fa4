package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/radawson/apt-mirror/pkg/config"
)

const (
	connectTimeout = 30 * time.Second
	idleTimeout    = 60 * time.Second
)

// NewClient builds the HTTP client for a run: connect timeout, optional
// proxy with basic auth, optional TLS client identity. There is no overall
// request timeout; large archives over slow links must be allowed to
// complete.
func NewClient(cfg *config.Config) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: cfg.NThreads,
		IdleConnTimeout:     90 * time.Second,
	}

	if cfg.UseProxy {
		proxyFor, err := proxySelector(cfg)
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxyFor
	}

	tlsConfig, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsConfig

	return &http.Client{Transport: transport}, nil
}

func proxySelector(cfg *config.Config) (func(*http.Request) (*url.URL, error), error) {
	parse := func(raw string) (*url.URL, error) {
		if raw == "" {
			return nil, nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed proxy URL %q: %w", raw, err)
		}
		if cfg.ProxyUser != "" {
			u.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
		}
		return u, nil
	}

	httpProxy, err := parse(cfg.HTTPProxy)
	if err != nil {
		return nil, err
	}
	httpsProxy, err := parse(cfg.HTTPSProxy)
	if err != nil {
		return nil, err
	}
	if httpsProxy == nil {
		httpsProxy = httpProxy
	}
	if httpProxy == nil && httpsProxy == nil {
		return nil, fmt.Errorf("use_proxy is on but no proxy URL is set")
	}

	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return httpsProxy, nil
		}
		return httpProxy, nil
	}, nil
}

func tlsConfig(cfg *config.Config) (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: cfg.NoCheckCertificate, //nolint:gosec // operator opt-in
	}

	if cfg.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	if cfg.CACertificate != "" {
		pem, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertificate)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}
