package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/types"
)

// Client is the HTTP implementation of the API interface, talking JSON to the
// external media-proxy backend. Authentication uses the backend's token
// endpoint; the bearer token is cached and refreshed once on a 401 before the
// request is surfaced as failed.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	username string
	password string

	tokenMu sync.Mutex
	token   string
}

// NewClient builds a Client from the application configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		BaseURL:  cfg.BaseURL,
		username: cfg.Username,
		password: cfg.Password,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// tokenResponse is the shape of the backend's token endpoint reply.
type tokenResponse struct {
	Access string `json:"access"`
}

// authenticate fetches a fresh bearer token. Callers hold tokenMu.
func (c *Client) authenticate() error {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})

	resp, err := c.HTTPClient.Post(c.BaseURL+"/api/accounts/token/", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}

	c.token = tr.Access
	logger.Debug("{api/client - authenticate} obtained new API token")
	return nil
}

// do performs an authenticated request, retrying exactly once with a fresh
// token if the backend answers 401.
func (c *Client) do(method, path string, payload interface{}) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c.tokenMu.Lock()
		if c.token == "" && c.username != "" {
			if err := c.authenticate(); err != nil {
				c.tokenMu.Unlock()
				return nil, err
			}
		}
		token := c.token
		c.tokenMu.Unlock()

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequest(method, c.BaseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			// token expired; clear it and retry once
			c.tokenMu.Lock()
			c.token = ""
			c.tokenMu.Unlock()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
		}

		return data, nil
	}

	return nil, fmt.Errorf("%s %s: authentication retry exhausted", method, path)
}

// FetchChannels returns every channel known to the external system.
func (c *Client) FetchChannels() ([]*types.Channel, error) {
	data, err := c.do(http.MethodGet, "/api/channels/channels/", nil)
	if err != nil {
		return nil, err
	}

	var channels []*types.Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("unexpected channels response shape: %w", err)
	}
	return channels, nil
}

// FetchChannelStreams returns the channel's streams in playback order.
func (c *Client) FetchChannelStreams(channelID int64) ([]*types.Stream, error) {
	data, err := c.do(http.MethodGet, fmt.Sprintf("/api/channels/channels/%d/streams/", channelID), nil)
	if err != nil {
		return nil, err
	}

	var streams []*types.Stream
	if err := json.Unmarshal(data, &streams); err != nil {
		return nil, fmt.Errorf("unexpected streams response shape: %w", err)
	}
	return streams, nil
}

// UpdateChannelStreams writes a new stream-ID order for the channel.
func (c *Client) UpdateChannelStreams(channelID int64, streamIDs []int64) error {
	payload := map[string]interface{}{"streams": streamIDs}
	_, err := c.do(http.MethodPatch, fmt.Sprintf("/api/channels/channels/%d/", channelID), payload)
	return err
}

// FetchStreamStats returns the persisted quality-stat blob for a stream. A
// stream that has never been probed comes back as nil with no error.
func (c *Client) FetchStreamStats(streamID int64) (*types.ProbeResult, error) {
	data, err := c.do(http.MethodGet, fmt.Sprintf("/api/channels/streams/%d/", streamID), nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		StreamStats *types.ProbeResult `json:"streamStats"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unexpected stream response shape: %w", err)
	}
	return wrapper.StreamStats, nil
}

// PatchStreamStats persists raw probe stats for a stream.
func (c *Client) PatchStreamStats(streamID int64, stats *types.ProbeResult) error {
	payload := map[string]interface{}{"streamStats": stats}
	_, err := c.do(http.MethodPatch, fmt.Sprintf("/api/channels/streams/%d/", streamID), payload)
	return err
}

// GetM3UAccounts returns all playlist source accounts.
func (c *Client) GetM3UAccounts() ([]*types.M3UAccount, error) {
	data, err := c.do(http.MethodGet, "/api/m3u/accounts/", nil)
	if err != nil {
		return nil, err
	}

	var accounts []*types.M3UAccount
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("unexpected accounts response shape: %w", err)
	}
	return accounts, nil
}

// RefreshAccount triggers a playlist refresh for one source account.
func (c *Client) RefreshAccount(accountID int64) error {
	_, err := c.do(http.MethodPost, fmt.Sprintf("/api/m3u/refresh/%d/", accountID), nil)
	return err
}

// FetchUnassignedStreams returns streams not yet attached to any channel.
func (c *Client) FetchUnassignedStreams() ([]*types.Stream, error) {
	data, err := c.do(http.MethodGet, "/api/channels/streams/?unassigned=true", nil)
	if err != nil {
		return nil, err
	}

	var streams []*types.Stream
	if err := json.Unmarshal(data, &streams); err != nil {
		return nil, fmt.Errorf("unexpected streams response shape: %w", err)
	}
	return streams, nil
}

// AssignStreamsToChannel attaches discovered streams to a channel.
func (c *Client) AssignStreamsToChannel(channelID int64, streamIDs []int64) error {
	payload := map[string]interface{}{"streamIds": streamIDs}
	_, err := c.do(http.MethodPost, fmt.Sprintf("/api/channels/channels/%d/streams/add/", channelID), payload)
	return err
}
