package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nkiryanov/chatscheduler/internal/logger"
)

const (
	DefaultBaseURL = "https://slack.com"
	DefaultTimeout = 10 * time.Second

	// Slack tier 3 allows ~50 calls per minute per method
	DefaultRPS   = 1.0
	DefaultBurst = 5

	defaultRetryAfter = 60 // seconds, if Retry-After header is missing or malformed
	channelsPageSize  = 200
)

// Scopes requested for both bot and user tokens
var Scopes = []string{"channels:read", "chat:write", "users:read", "groups:read", "im:read", "mpim:read"}

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Result of oauth.v2.access call: code exchange or token refresh
type TokenGrant struct {
	AccessToken  string
	BotToken     *string
	RefreshToken *string
	ExpiresIn    time.Duration // zero if token does not expire
}

type Identity struct {
	TeamID   string
	TeamName string
	UserID   string
}

type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

// Client is a stateless client of Slack Web API. Tokens are passed per call
type Client struct {
	cfg Config

	client  *http.Client
	limiter *rate.Limiter
	logger  logger.Logger

	// Unix time until which Slack asked us to hold off (429 Retry-After)
	waitUntil atomic.Int64
}

func NewClient(cfg Config, l logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	return &Client{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:  l,
	}
}

// AuthorizeURL is the page user is redirected to in order to install the app
func (c *Client) AuthorizeURL() string {
	scopes := strings.Join(Scopes, ",")
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("scope", scopes)
	q.Set("user_scope", scopes)
	q.Set("redirect_uri", c.cfg.RedirectURI)

	return c.cfg.BaseURL + "/oauth/v2/authorize?" + q.Encode()
}

type oauthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type oauthResponse struct {
	oauthToken
	AuthedUser oauthToken `json:"authed_user"`
}

// User token wins over bot token; bot token is kept as secondary one
func (r oauthResponse) grant() (TokenGrant, error) {
	var g TokenGrant

	primary := r.oauthToken
	if r.AuthedUser.AccessToken != "" {
		primary = r.AuthedUser
		if r.AccessToken != "" {
			bot := r.AccessToken
			g.BotToken = &bot
		}
	}

	if primary.AccessToken == "" {
		return g, NewError(CodeUnknown, 0, errors.New("no access token in oauth response"))
	}

	g.AccessToken = primary.AccessToken
	if primary.RefreshToken != "" {
		refresh := primary.RefreshToken
		g.RefreshToken = &refresh
	}
	g.ExpiresIn = time.Duration(primary.ExpiresIn) * time.Second

	return g, nil
}

// Exchange OAuth code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenGrant, error) {
	var resp oauthResponse

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)

	if err := c.call(ctx, "oauth.v2.access", "", form, &resp); err != nil {
		return TokenGrant{}, err
	}

	return resp.grant()
}

// Refresh access token with refresh token. Slack may rotate refresh token as well
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error) {
	var resp oauthResponse

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	if err := c.call(ctx, "oauth.v2.access", "", form, &resp); err != nil {
		return TokenGrant{}, err
	}

	return resp.grant()
}

func (c *Client) AuthTest(ctx context.Context, token string) (Identity, error) {
	var resp struct {
		TeamID string `json:"team_id"`
		Team   string `json:"team"`
		UserID string `json:"user_id"`
	}

	if err := c.call(ctx, "auth.test", token, url.Values{}, &resp); err != nil {
		return Identity{}, err
	}

	return Identity{TeamID: resp.TeamID, TeamName: resp.Team, UserID: resp.UserID}, nil
}

// UserInfo returns the best human readable name of the user
func (c *Client) UserInfo(ctx context.Context, token string, userID string) (string, error) {
	var resp struct {
		User struct {
			Name    string `json:"name"`
			Profile struct {
				DisplayName string `json:"display_name"`
				RealName    string `json:"real_name"`
			} `json:"profile"`
		} `json:"user"`
	}

	form := url.Values{}
	form.Set("user", userID)

	if err := c.call(ctx, "users.info", token, form, &resp); err != nil {
		return "", err
	}

	for _, name := range []string{resp.User.Profile.DisplayName, resp.User.Profile.RealName, resp.User.Name} {
		if name != "" {
			return name, nil
		}
	}
	return "", nil
}

// ListChannels returns public and private not archived channels, walking all pages
func (c *Client) ListChannels(ctx context.Context, token string) ([]Channel, error) {
	channels := make([]Channel, 0)
	cursor := ""

	for {
		var resp struct {
			Channels []Channel `json:"channels"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}

		form := url.Values{}
		form.Set("types", "public_channel,private_channel")
		form.Set("exclude_archived", "true")
		form.Set("limit", strconv.Itoa(channelsPageSize))
		if cursor != "" {
			form.Set("cursor", cursor)
		}

		if err := c.call(ctx, "conversations.list", token, form, &resp); err != nil {
			return nil, err
		}

		channels = append(channels, resp.Channels...)
		cursor = resp.Metadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

// PostMessage returns ts of the posted message
func (c *Client) PostMessage(ctx context.Context, token string, channel string, text string) (string, error) {
	var resp struct {
		TS string `json:"ts"`
	}

	form := url.Values{}
	form.Set("channel", channel)
	form.Set("text", text)

	if err := c.call(ctx, "chat.postMessage", token, form, &resp); err != nil {
		return "", err
	}

	return resp.TS, nil
}

// ScheduleMessage hands message to Slack for delivery at postAt (unix seconds)
func (c *Client) ScheduleMessage(ctx context.Context, token string, channel string, text string, postAt int64) (string, error) {
	var resp struct {
		ScheduledMessageID string `json:"scheduled_message_id"`
	}

	form := url.Values{}
	form.Set("channel", channel)
	form.Set("text", text)
	form.Set("post_at", strconv.FormatInt(postAt, 10))

	if err := c.call(ctx, "chat.scheduleMessage", token, form, &resp); err != nil {
		return "", err
	}

	return resp.ScheduledMessageID, nil
}

func (c *Client) DeleteScheduledMessage(ctx context.Context, token string, channel string, scheduledMessageID string) error {
	form := url.Values{}
	form.Set("channel", channel)
	form.Set("scheduled_message_id", scheduledMessageID)

	return c.call(ctx, "chat.deleteScheduledMessage", token, form, &struct{}{})
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Call Web API method with form encoded body and decode result into out
// Errors are always *Error
func (c *Client) call(ctx context.Context, method string, token string, form url.Values, out any) error {
	if err := c.holdOff(ctx); err != nil {
		return NewError(CodeTransport, 0, fmt.Errorf("waiting for rate limit reset: %w", err))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return NewError(CodeTransport, 0, fmt.Errorf("rate limiter wait failed: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return NewError(CodeUnknown, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(CodeTransport, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		return c.processSuccess(method, resp, out)
	case http.StatusTooManyRequests:
		return c.processTooManyRequests(method, resp)
	default:
		c.logger.Warn("Slack returned unexpected status", "method", method, "status_code", resp.StatusCode)
		return NewError(CodeUnknown, 0, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, method))
	}
}

func (c *Client) processSuccess(method string, resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(CodeTransport, 0, fmt.Errorf("failed to read response: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Warn("Failed to decode slack response", "method", method, "error", err)
		return NewError(CodeUnknown, 0, fmt.Errorf("failed to decode response: %w", err))
	}

	if !env.OK {
		code := env.Error
		if code == "" {
			code = CodeUnknown
		}
		c.logger.Debug("Slack call not ok", "method", method, "code", code)
		return NewError(code, 0, fmt.Errorf("%s failed: %s", method, code))
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Warn("Failed to decode slack response", "method", method, "error", err)
		return NewError(CodeUnknown, 0, fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}

func (c *Client) processTooManyRequests(method string, resp *http.Response) error {
	header := resp.Header.Get("Retry-After")
	retryAfter, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil {
		retryAfter = defaultRetryAfter
	}

	c.waitUntil.Store(time.Now().Add(time.Duration(retryAfter) * time.Second).Unix())
	c.logger.Warn("Slack throttled", "method", method, "retry_after", retryAfter)
	return NewError(CodeRateLimited, retryAfter, fmt.Errorf("%s rate limited, retry after %d seconds", method, retryAfter))
}

// Wait until rate limit reported by Slack is reset or context is done
func (c *Client) holdOff(ctx context.Context) error {
	waitUntil := time.Unix(c.waitUntil.Load(), 0)
	if !waitUntil.After(time.Now()) {
		return nil
	}

	c.logger.Debug("Waiting for rate limit to reset", "wait_until", waitUntil)

	timer := time.NewTimer(time.Until(waitUntil))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
