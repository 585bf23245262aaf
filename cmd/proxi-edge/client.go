package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ghalamif/ProxiFlow"
)

type apiError struct {
	Error string `json:"error"`
}

// controlClient talks to a running runtime's control API.
type controlClient struct {
	http *resty.Client
}

func newControlClient(baseURL string) *controlClient {
	return &controlClient{http: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")}
}

func (c *controlClient) Status(ctx context.Context) (*proxiflow.Status, error) {
	var st proxiflow.Status
	resp, err := c.http.R().SetContext(ctx).SetResult(&st).SetError(&apiError{}).Get("/v1/stats")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *controlClient) SetLabel(ctx context.Context, label string) (*proxiflow.Status, error) {
	var st proxiflow.Status
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"label": label}).
		SetResult(&st).
		SetError(&apiError{}).
		Post("/v1/label")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *controlClient) Sync(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).SetError(&apiError{}).Post("/v1/sync")
	return check(resp, err)
}

func (c *controlClient) Start(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).SetError(&apiError{}).Post("/v1/start")
	return check(resp, err)
}

func (c *controlClient) Stop(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).SetError(&apiError{}).Post("/v1/stop")
	return check(resp, err)
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status(), e.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status())
	}
	return nil
}
