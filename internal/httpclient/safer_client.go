// Package httpclient provides the outbound HTTP client used for the compute
// service and cache purge endpoints, with SSRF guards.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/usedcss/errors"
)

// SaferClient wraps http.Client with SSRF protection
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// Options customises SSRF protection. Zero values mean the defaults.
type Options struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   int      // Default: 10
	// AllowPrivate disables private/loopback address blocking, for compute
	// or cache hosts living on the same network.
	AllowPrivate bool
}

// NewSaferClient creates an HTTP client with SSRF protection and default options.
func NewSaferClient(timeout time.Duration) *SaferClient {
	return New(timeout, Options{})
}

// New creates an HTTP client with the given SSRF options.
func New(timeout time.Duration, opts Options) *SaferClient {
	c := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: !opts.AllowPrivate,
		maxRedirects:   10,
	}
	if len(opts.AllowedSchemes) > 0 {
		c.allowedSchemes = opts.AllowedSchemes
	}
	if opts.MaxRedirects > 0 {
		c.maxRedirects = opts.MaxRedirects
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if c.blockPrivateIP {
		c.Transport = guardedTransport()
	}
	return c
}

// guardedTransport resolves the host itself and refuses private addresses,
// which also covers DNS rebinding after validateURL passed.
func guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	// http://evil.com@localhost/ style confusion
	if u.User != nil || strings.Contains(u.Host, "@") {
		return errors.New("URL contains @ character (potential SSRF attempt)")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return errors.Newf("private IP address blocked: %s", hostname)
		}
	}
	return nil
}

// ValidateURL validates a URL string before creating a request
func (c *SaferClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// isPrivateIP checks if an IP is in private/special use ranges
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and 240.0.0.0/4 (reserved)
		return ip4[0] == 0 || ip4[0] >= 240
	}
	// site-local fec0::/10 and documentation 2001:db8::/32
	if ip[0] == 0xfe && (ip[1]&0xc0) == 0xc0 {
		return true
	}
	return ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}

// Do executes an HTTP request with SSRF protection
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

// WrapClient wraps an existing http.Client without private IP blocking.
// Only for tests that talk to httptest servers on localhost.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: false,
		maxRedirects:   10,
	}
}
