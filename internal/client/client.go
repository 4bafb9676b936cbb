// Package client talks to the control plane of a local server.
package client

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultTimeout = 30 * time.Second

// Client sends control requests to a server on the loopback interface.
type Client struct {
	base    string
	timeout time.Duration
}

// New returns a client for the server listening on 127.0.0.1:port.
func New(port int) *Client {
	return &Client{
		base:    "http://127.0.0.1:" + strconv.Itoa(port),
		timeout: defaultTimeout,
	}
}

// ShareOptions override the server defaults when set.
type ShareOptions struct {
	Count *int
	TTL   *time.Duration
}

// StatusError is a response the server did not answer with success.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("server answered %d: %s", e.Status, body)
}

// Share registers path and returns its id. Relative paths are resolved
// against the working directory.
func (c *Client) Share(path string, opts ShareOptions) (uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	if opts.Count != nil {
		args.Set("count", strconv.Itoa(*opts.Count))
	}
	if opts.TTL != nil {
		args.Set("time", strconv.FormatInt(int64(*opts.TTL/time.Second), 10))
	}

	target := (&url.URL{Path: filepath.ToSlash(abs)}).EscapedPath()
	status, body, err := c.do(fasthttp.MethodPost, target, args.QueryString())
	if err != nil {
		return 0, err
	}
	if status != fasthttp.StatusCreated {
		return 0, &StatusError{Status: status, Body: body}
	}
	id, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected share response %q", body)
	}
	return id, nil
}

// List returns the server's snapshot, one id,count,expires_at,path line per
// resource.
func (c *Client) List() (string, error) {
	status, body, err := c.do(fasthttp.MethodGet, "/", nil)
	if err != nil {
		return "", err
	}
	if status != fasthttp.StatusOK {
		return "", &StatusError{Status: status, Body: body}
	}
	return body, nil
}

// Revoke removes id from the server.
func (c *Client) Revoke(id uint64) error {
	status, body, err := c.do(fasthttp.MethodDelete, "/"+strconv.FormatUint(id, 10), nil)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return &StatusError{Status: status, Body: body}
	}
	return nil
}

func (c *Client) do(method, path string, body []byte) (int, string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	if body != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBody(body)
	}

	if err := fasthttp.DoTimeout(req, resp, c.timeout); err != nil {
		return 0, "", fmt.Errorf("failed to reach server at %s: %w", c.base, err)
	}
	return resp.StatusCode(), string(resp.Body()), nil
}
