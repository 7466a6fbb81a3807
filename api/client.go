package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/jmorganca/disentangle/envconfig"
)

type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

// ClientFromEnvironment connects to the server at DISENTANGLE_HOST.
func ClientFromEnvironment() (*Client, error) {
	hostport, err := envconfig.HostPort()
	if err != nil {
		return nil, err
	}

	return NewClient(&url.URL{Scheme: "http", Host: hostport}, http.DefaultClient), nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	bts, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		var apiError StatusError
		if err := json.Unmarshal(bts, &apiError); err != nil {
			apiError.ErrorMessage = string(bts)
		}
		apiError.StatusCode = response.StatusCode
		apiError.Status = response.Status
		return apiError
	}

	if respData != nil {
		if err := json.Unmarshal(bts, respData); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) Decode(ctx context.Context, req *DecodeRequest) (*DecodeResponse, error) {
	var resp DecodeResponse
	if err := c.do(ctx, http.MethodPost, "/api/decode", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Estimate(ctx context.Context, req *EstimateRequest) (*EstimateResponse, error) {
	var resp EstimateResponse
	if err := c.do(ctx, http.MethodPost, "/api/estimate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}
	return version.Version, nil
}
