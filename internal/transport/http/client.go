package http

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/proto"
)

// ErrBadBaseURL is returned when the server URL cannot be used.
var ErrBadBaseURL = errors.New("bad server url")

// APIError is a non-2xx reply from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// NewHTTPClient returns an http.Client with a cookie jar. The REST client, the
// event source and the socket share it so they share the session cookie.
// No client-wide timeout is set because the push and duplex channels hold
// their requests open; per-call deadlines come from contexts.
func NewHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &http.Client{Jar: jar}, nil
}

// Client talks to the chat backend's REST endpoints.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	log     *zerolog.Logger
}

// NewClient builds a REST client for baseURL. A zero timeout disables the
// per-request deadline.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, logger *zerolog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrBadBaseURL, base.Scheme)
	}
	if httpClient == nil {
		httpClient, err = NewHTTPClient()
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{base: base, http: httpClient, timeout: timeout, log: logger}, nil
}

// HTTPClient returns the shared http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Endpoint resolves path against the server URL.
func (c *Client) Endpoint(path string) string {
	return c.base.ResolveReference(&url.URL{Path: path}).String()
}

// Login authenticates and stores the session cookie.
func (c *Client) Login(ctx context.Context, username, password string) (*core.User, error) {
	var data proto.UserData
	body := proto.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/login", nil, body, &data); err != nil {
		return nil, err
	}
	user := data.ToCore()
	return &user, nil
}

// Logout ends the server session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil, nil)
}

// Me returns the user attached to the session cookie, or nil when there is none.
func (c *Client) Me(ctx context.Context) (*core.User, error) {
	var data *proto.UserData
	if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	user := data.ToCore()
	return &user, nil
}

// OnlineUsers returns the users currently marked online.
func (c *Client) OnlineUsers(ctx context.Context) ([]core.User, error) {
	var data map[string]proto.UserData
	if err := c.do(ctx, http.MethodGet, "/users/online", nil, nil, &data); err != nil {
		return nil, err
	}
	return sortedUsers(data), nil
}

// Users looks up users by id.
func (c *Client) Users(ctx context.Context, ids []string) ([]core.User, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", id)
	}
	var data map[string]proto.UserData
	if err := c.do(ctx, http.MethodGet, "/users", q, nil, &data); err != nil {
		return nil, err
	}
	return sortedUsers(data), nil
}

// Rooms lists the rooms userID belongs to.
func (c *Client) Rooms(ctx context.Context, userID string) ([]proto.RoomData, error) {
	var data []proto.RoomData
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(userID), nil, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Messages returns up to size messages of roomID starting at offset, newest
// first.
func (c *Client) Messages(ctx context.Context, roomID string, offset, size int) ([]core.Message, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("size", strconv.Itoa(size))

	var data []proto.MessageData
	if err := c.do(ctx, http.MethodGet, "/room/"+url.PathEscape(roomID)+"/messages", q, nil, &data); err != nil {
		return nil, err
	}
	msgs := make([]core.Message, 0, len(data))
	for _, m := range data {
		msgs = append(msgs, m.ToCore())
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.base.ResolveReference(&url.URL{Path: path})
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er proto.ErrorResponse
		if json.Unmarshal(raw, &er) == nil {
			apiErr.Message = er.Message
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func sortedUsers(data map[string]proto.UserData) []core.User {
	users := make([]core.User, 0, len(data))
	for _, d := range data {
		users = append(users, d.ToCore())
	}
	slices.SortFunc(users, func(a, b core.User) int {
		return compareIDs(a.ID, b.ID)
	})
	return users
}

// compareIDs orders numeric ids numerically and falls back to string order.
func compareIDs(a, b string) int {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return cmp.Compare(ai, bi)
	}
	return strings.Compare(a, b)
}
