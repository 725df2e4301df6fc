// Package client talks to a running nitflex server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Is maps HTTP statuses back onto the domain sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == domain.ErrNotFound
	case http.StatusBadRequest:
		return target == domain.ErrInvalidSpec
	}
	return false
}

type Client struct {
	base *url.URL
	http *http.Client
}

// New accepts "host:port", ":port" or a full URL.
func New(addr string) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("server address is empty")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}, nil
}

type ListOptions struct {
	Active bool
	Stages []domain.Stage
	Limit  int
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]*domain.Job, error) {
	q := url.Values{}
	if opts.Active {
		q.Set("active", "true")
	}
	if len(opts.Stages) > 0 {
		names := make([]string, len(opts.Stages))
		for i, st := range opts.Stages {
			names[i] = string(st)
		}
		q.Set("stage", strings.Join(names, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var jobs []*domain.Job
	if err := c.do(ctx, http.MethodGet, "/jobs", q, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

type idResponse struct {
	ID string `json:"id"`
}

// Submit returns the id of the new job.
func (c *Client) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, spec, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Retry returns the id of the resubmitted job.
func (c *Client) Retry(ctx context.Context, id string) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) HWAccel(ctx context.Context) (domain.EncoderConfig, error) {
	var cfg domain.EncoderConfig
	err := c.do(ctx, http.MethodGet, "/hwaccel", nil, nil, &cfg)
	return cfg, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload)
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
