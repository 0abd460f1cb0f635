// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// defaultHTTPClient serves short requests such as health checks.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// streamHTTPClient has no overall timeout; a turn lasts as long as the agent
// needs.
var streamHTTPClient = &http.Client{}

// apiClient provides HTTP access to a running partscout server.
type apiClient struct {
	baseURL  string
	username string
	password string
}

// newAPIClient targets addr, which is host:port or a full URL.
func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{baseURL: strings.TrimRight(base, "/")}
}

func (c *apiClient) withAuth(username, password string) *apiClient {
	c.username, c.password = username, password
	return c
}

func (c *apiClient) do(client *http.Client, req *http.Request) (*http.Response, error) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := client.Do(req)
	if err != nil {
		if isDialError(err) {
			return nil, pserr.Errorf(pserr.CodeCLIServerNotRunning, "partscout is not running at %s", c.baseURL)
		}
		return nil, pserr.Wrap(err, pserr.CodeCLIRequestFailure, "request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, pserr.New(pserr.CodeCLIRequestFailure, "server rejected the credentials; pass --user and --password")
		}
		return nil, pserr.Errorf(pserr.CodeCLIRequestFailure, "server returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *apiClient) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCLIRequestFailure, "building request")
	}
	resp, err := c.do(defaultHTTPClient, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return pserr.Wrap(err, pserr.CodeCLIResponseInvalid, "invalid response")
	}
	return nil
}

// streamChat posts body to the SSE endpoint and calls onEvent for every
// event until the stream ends or onEvent fails.
func (c *apiClient) streamChat(ctx context.Context, body any, onEvent func(name string, data []byte) error) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCLIInputInvalid, "encoding chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCLIRequestFailure, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(streamHTTPClient, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	var name string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		case line == "" && name != "":
			if err := onEvent(name, data); err != nil {
				return err
			}
			name, data = "", nil
		}
	}
	if err := scanner.Err(); err != nil {
		return pserr.Wrap(err, pserr.CodeCLIResponseInvalid, "reading event stream")
	}
	return nil
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
