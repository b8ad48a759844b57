// client.go - HTTP-Client fuer den Pipeline-Service
// Dieses Modul enthaelt die Client-Struktur und alle Endpunkt-Methoden.
//
// Package api implements the client-side API for code wishing to interact
// with the pipeline service. The methods of the [Client] type correspond
// to the REST endpoints the server exposes. The command-line client uses
// this package to talk to a running service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/Sygil-Dev/diffusers/envconfig"
	"github.com/Sygil-Dev/diffusers/version"
)

// Client encapsulates client state for interacting with the pipeline
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using configuration from
// the environment variable DIFFUSERS_HOST, which points to the network
// host and port on which the service is listening. The format of this
// variable is:
//
//	<scheme>://<host>:<port>
//
// If the variable is not specified, a default host and port will be used.
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader

	switch reqData := reqData.(type) {
	case io.Reader:
		reqBody = reqData
	case nil:
		// noop
	default:
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}

		reqBody = bytes.NewReader(data)
	}

	requestURL := c.base.JoinPath(path)

	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("diffusers/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat checks if the server is running.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodHead, "/", nil, nil); err != nil {
		return fmt.Errorf("could not connect to a running instance at %s", c.base)
	}
	return nil
}

// Stats returns pipeline and trace cache statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Config returns the active pipeline configuration.
func (c *Client) Config(ctx context.Context) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetConfig applies the non-empty fields of req and returns the resulting
// configuration.
func (c *Client) SetConfig(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.do(ctx, http.MethodPost, "/api/config", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bench runs an attention benchmark on the server and returns its
// measurements.
func (c *Client) Bench(ctx context.Context, req *BenchRequest) (*BenchResponse, error) {
	var resp BenchResponse
	if err := c.do(ctx, http.MethodPost, "/api/bench", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BenchHistory returns the benchmark runs the server retained.
func (c *Client) BenchHistory(ctx context.Context) (*BenchListResponse, error) {
	var resp BenchListResponse
	if err := c.do(ctx, http.MethodGet, "/api/bench", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Invalidate drops cached traces, either one by digest or all of them.
func (c *Client) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	var resp InvalidateResponse
	if err := c.do(ctx, http.MethodPost, "/api/invalidate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}
