package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"PulseFlow/internal/apperr"
)

// Client talks to the external config store over HTTP. Server errors and
// network failures are retried with exponential backoff; 4xx answers are
// returned immediately.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxElapsed time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       httpClient,
		maxElapsed: 20 * time.Second,
	}
}

func (c *Client) Get(ctx context.Context, key string) (Value, error) {
	var v Value
	err := c.do(ctx, http.MethodGet, "/settings/"+url.PathEscape(key), nil, &v)
	return v, err
}

func (c *Client) List(ctx context.Context, prefix string) ([]Value, error) {
	var out struct {
		Settings []Value `json:"settings"`
	}
	path := "/settings?prefix=" + url.QueryEscape(prefix)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Settings, nil
}

// Set validates v locally before writing it to the store.
func (c *Client) Set(ctx context.Context, v Value) (Value, error) {
	if err := checkKnown(v); err != nil {
		return Value{}, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}

	var saved Value
	err = c.do(ctx, http.MethodPut, "/settings/"+url.PathEscape(v.Key), body, &saved)
	return saved, err
}

func (c *Client) History(ctx context.Context, key string) ([]Change, error) {
	var out struct {
		History []Change `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/settings/"+url.PathEscape(key)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("config store returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return serr
			}
			return backoff.Permanent(serr)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return apperr.NotFound(err, path)
	}
	return err
}
