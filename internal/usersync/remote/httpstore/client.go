package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"github.com/confcore/usersync/internal/usersync/remote"
)

// ClientConfig holds Client settings.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "https://sync.example.com".
	BaseURL string
	// Token is the bearer token sent with every request.
	Token string
	// Timeout bounds each request (default: 30s).
	Timeout time.Duration
	// HTTPClient is the base client; the bearer token is layered on top.
	HTTPClient *http.Client

	Logger *log.Logger
}

// Client implements remote.Store against a Server.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens oauth2.TokenSource
	logger *log.Logger
}

var _ remote.Store = (*Client)(nil)

// NewClient creates a client for the server at config.BaseURL.
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", config.BaseURL)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[httpstore] ", log.LstdFlags)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	ctx := context.Background()
	if config.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, config.HTTPClient)
	}

	var tokens oauth2.TokenSource
	httpClient := config.HTTPClient
	if config.Token != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(ctx, tokens)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	withTimeout := *httpClient
	withTimeout.Timeout = config.Timeout

	return &Client{
		base:   base,
		http:   &withTimeout,
		tokens: tokens,
		logger: config.Logger,
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/v1/" + strings.Join(escaped, "/")
}

func (c *Client) zoneEndpoint(zone remote.ZoneID, parts ...string) string {
	return c.endpoint(append([]string{"zones", zone.Owner, zone.Name}, parts...)...)
}

// do sends a JSON request and decodes a JSON response into out.
// Failures come back as *remote.Error.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return remote.Errorf(remote.CodeNetworkFailure, "%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.Errorf(remote.CodeNetworkFailure, "failed to read response: %v", err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return remote.Errorf(remote.CodeInternal, "failed to decode response: %v", err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte) error {
	var rerr remote.Error
	if err := json.Unmarshal(data, &rerr); err != nil || rerr.Code == "" {
		rerr = remote.Error{Code: codeFor(resp.StatusCode), Message: strings.TrimSpace(string(data))}
	}

	if rerr.RetryAfter == 0 {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			rerr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return &rerr
}

// AccountStatus implements remote.Store.
func (c *Client) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("account"), nil, &resp); err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			return remote.AccountStatusNoAccount, nil
		}
		return remote.AccountStatusCouldNotDetermine, err
	}
	return resp.Status, nil
}

// CreateZone implements remote.Store.
func (c *Client) CreateZone(ctx context.Context, zone remote.ZoneID) error {
	return c.do(ctx, http.MethodPut, c.zoneEndpoint(zone), nil, nil)
}

// DeleteZone implements remote.Store.
func (c *Client) DeleteZone(ctx context.Context, zone remote.ZoneID) error {
	return c.do(ctx, http.MethodDelete, c.zoneEndpoint(zone), nil, nil)
}

// CreateSubscription implements remote.Store.
func (c *Client) CreateSubscription(ctx context.Context, sub remote.Subscription) error {
	return c.do(ctx, http.MethodPut, c.endpoint("subscriptions", sub.ID), subscriptionRequest{Zone: sub.Zone}, nil)
}

// FetchChanges implements remote.Store.
func (c *Client) FetchChanges(ctx context.Context, zone remote.ZoneID, token []byte) (*remote.ChangeSet, error) {
	var changes remote.ChangeSet
	if err := c.do(ctx, http.MethodPost, c.zoneEndpoint(zone, "changes"), changesRequest{Token: token}, &changes); err != nil {
		return nil, err
	}
	return &changes, nil
}

// Modify implements remote.Store.
func (c *Client) Modify(ctx context.Context, zone remote.ZoneID, saves []*remote.Record, deletes []remote.RecordID) (*remote.ModifyResult, error) {
	var result remote.ModifyResult
	req := modifyRequest{Saves: saves, Deletes: deletes}
	if err := c.do(ctx, http.MethodPost, c.zoneEndpoint(zone, "modify"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Listen connects to the notification stream and calls fn with every push
// payload until ctx is done or the connection drops. Returns nil when ctx
// ends the stream.
func (c *Client) Listen(ctx context.Context, fn func(payload []byte)) error {
	wsURL := *c.base
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/v1/notifications"

	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		tok.SetAuthHeader(&http.Request{Header: header})
	}

	conn, _, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to notification stream: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	c.logger.Printf("Listening for notifications on %s", wsURL.String())

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("notification stream closed: %w", err)
		}
		fn(data)
	}
}
