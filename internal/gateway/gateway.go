// Package gateway is the outbound side of the broker: typed HTTP calls
// into authentication and communication plugins, and the structural parse
// of their inbound callbacks. It holds no session state; classifying and
// recording failures is the flow engine's job.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/verimeet/broker/internal/attestation"
	"github.com/verimeet/broker/internal/registry"
	"github.com/verimeet/broker/internal/serviceerr"
)

// StartAuthRequest instructs an auth plugin to begin verifying the session
// id's user. The plugin must echo the session id in its attestation and
// send the user agent to the continuation once done.
type StartAuthRequest struct {
	SessionID    string   `json:"session_id"`
	Attributes   []string `json:"attributes"`
	Continuation string   `json:"continuation"`
	AttrURL      string   `json:"attr_url"`
}

type startAuthResponse struct {
	ClientURL string `json:"client_url"`
}

// StartCommRequest instructs a comm plugin to provision a channel for the
// session, handing it the verified attributes. The plugin reports the
// channel's end by posting the completion URL.
type StartCommRequest struct {
	SessionID     string            `json:"session_id"`
	Purpose       string            `json:"purpose"`
	Attributes    map[string]string `json:"attributes"`
	CompletionURL string            `json:"completion_url"`
}

type startCommResponse struct {
	ClientURL string `json:"client_url"`
}

type Client struct {
	http    *http.Client
	timeout time.Duration
}

func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	return &Client{
		http:    httpClient,
		timeout: timeout,
	}
}

// StartAuth begins an authentication on the plugin and returns the URL the
// user agent is redirected to.
func (c *Client) StartAuth(ctx context.Context, plugin registry.Plugin, req StartAuthRequest) (string, error) {
	var resp startAuthResponse
	if err := c.post(ctx, plugin, "/start_authentication", req, &resp); err != nil {
		return "", err
	}

	if resp.ClientURL == "" {
		return "", fmt.Errorf("%w: empty client_url", serviceerr.ErrPluginRejected)
	}

	return resp.ClientURL, nil
}

// StartComm provisions a communication channel on the plugin and returns
// the URL the user agent is redirected to.
func (c *Client) StartComm(ctx context.Context, plugin registry.Plugin, req StartCommRequest) (string, error) {
	var resp startCommResponse
	if err := c.post(ctx, plugin, "/start_communication", req, &resp); err != nil {
		return "", err
	}

	if resp.ClientURL == "" {
		return "", fmt.Errorf("%w: empty client_url", serviceerr.ErrPluginRejected)
	}

	return resp.ClientURL, nil
}

// ParseAttestation turns an inbound auth plugin callback into a structured,
// not yet verified attestation.
func (c *Client) ParseAttestation(raw string) (attestation.Attestation, error) {
	return attestation.Parse(raw)
}

func (c *Client) post(ctx context.Context, plugin registry.Plugin, path string, reqBody, respBody any) error {
	endpoint, err := url.JoinPath(plugin.BaseURL, path)
	if err != nil {
		return fmt.Errorf("making %s plugin url: %w", plugin.ID, err)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(err, serviceerr.ErrPluginUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s answered %d", serviceerr.ErrPluginRejected, plugin.ID, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", serviceerr.ErrPluginRejected, plugin.ID, err)
	}

	return nil
}
