// Package accountpage talks to the account page REST API: it stores usage
// batches and looks up accounts and VOs.
package accountpage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quotawatch/quotawatch/internal/alerts"
	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/models"
)

// Config holds the API endpoint and credentials.
type Config struct {
	URL       string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Client is an account page API client.
type Client struct {
	base      *url.URL
	token     string
	userAgent string
	client    *http.Client
}

// NewClient creates a client for the API rooted at cfg.URL.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid account page url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid account page url %q", cfg.URL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "quotawatch"
	}

	return &Client{
		base:      base,
		token:     cfg.Token,
		userAgent: userAgent,
		client: &http.Client{
			Timeout:   timeout,
			Transport: newTransport(),
		},
	}, nil
}

func newTransport() http.RoundTripper {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/") + "/"
	return u.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// PutUsage stores a batch of usage records for a storage bucket. kind is
// "user" or "vo". The API answers an accepted batch with an empty body.
func (c *Client) PutUsage(ctx context.Context, bucket, kind string, payload []models.Usage) error {
	resp, err := c.do(ctx, http.MethodPut, c.endpoint("usage", "storage", bucket, kind, "size"), payload)
	if err != nil {
		return &errors.ErrRemotePush{Bucket: bucket, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return &errors.ErrRemotePush{Bucket: bucket, Kind: kind, Status: resp.StatusCode, Err: err}
	}
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &errors.ErrRemotePush{
			Bucket: bucket,
			Kind:   kind,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response %q", msg),
		}
	}
	if msg != "" {
		return &errors.ErrRemotePush{
			Bucket: bucket,
			Kind:   kind,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("non-empty response %q", msg),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Account is an account page user account.
type Account struct {
	VscID  string `json:"vsc_id"`
	Email  string `json:"email"`
	Status string `json:"status"`
	Person struct {
		Gecos string `json:"gecos"`
	} `json:"person"`
}

// VO is an account page virtual organisation.
type VO struct {
	VscID      string   `json:"vsc_id"`
	Moderators []string `json:"moderators"`
	Members    []string `json:"members"`
}

// Account fetches a user account by its login.
func (c *Client) Account(ctx context.Context, vscID string) (*Account, error) {
	var acc Account
	if err := c.getJSON(ctx, c.endpoint("account", vscID), &acc); err != nil {
		return nil, fmt.Errorf("account %s: %w", vscID, err)
	}
	return &acc, nil
}

// VO fetches a virtual organisation by its id.
func (c *Client) VO(ctx context.Context, vscID string) (*VO, error) {
	var vo VO
	if err := c.getJSON(ctx, c.endpoint("vo", vscID), &vo); err != nil {
		return nil, fmt.Errorf("vo %s: %w", vscID, err)
	}
	return &vo, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Person implements alerts.Directory.
func (c *Client) Person(ctx context.Context, login string) (alerts.Person, error) {
	acc, err := c.Account(ctx, login)
	if err != nil {
		return alerts.Person{}, err
	}
	name := acc.Person.Gecos
	if name == "" {
		name = acc.VscID
	}
	return alerts.Person{Login: acc.VscID, Name: name, Email: acc.Email}, nil
}

// Moderators implements alerts.Directory.
func (c *Client) Moderators(ctx context.Context, vo string) ([]string, error) {
	v, err := c.VO(ctx, vo)
	if err != nil {
		return nil, err
	}
	return v.Moderators, nil
}

var _ alerts.Directory = (*Client)(nil)
