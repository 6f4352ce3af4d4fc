// Package client talks to the dispatch HTTP API on behalf of one caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Client struct {
	Endpoint string
	Token    string
	HTTP     *http.Client
}

func New(endpoint, token string) *Client {
	return &Client{Endpoint: strings.TrimRight(endpoint, "/"), Token: token, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// ActiveRide returns the caller's active ride, or nil when there is none.
func (c *Client) ActiveRide(ctx context.Context) (*models.RideView, error) {
	var v *models.RideView
	if err := c.call(ctx, http.MethodGet, "/api/v1/rides/active", nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) Transition(ctx context.Context, rideID string, to models.Status, code string) (models.RideView, error) {
	var v models.RideView
	if strings.TrimSpace(rideID) == "" {
		return v, apperr.Validation("ride id is required")
	}
	body := map[string]string{"status": string(to), "code": code}
	err := c.call(ctx, http.MethodPost, "/api/v1/rides/"+url.PathEscape(rideID)+"/transition", body, &v)
	return v, err
}

// call sends one request. Error responses come back as *apperr.Error carrying
// the server's code, so callers can match them with errors.Is.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb struct {
			Error struct {
				Code    apperr.Kind `json:"code"`
				Message string      `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return apperr.New(eb.Error.Code, "%s", eb.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
