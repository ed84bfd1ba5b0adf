package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
)

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    atomic.Uint32
	retryCount int
	timeout    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (transport *httpClientTransport) Connect(config common.TransportConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Parse each server URL, plain host:port endpoints are served over http
	parsedURLs := make([]*url.URL, len(config.Endpoints))
	for i, server := range config.Endpoints {
		if !strings.Contains(server, "://") {
			server = "http://" + server
		}
		parsedURL, err := url.Parse(server)
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL
	}

	// Create client with default transport
	// The timeout is applied per request, see attemptContext
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: max(10, config.ConnectionsPerEndpoint),
			IdleConnTimeout:     90 * time.Second,
		},
	}

	// Set the client and server URLs
	transport.client = client
	transport.serverURLs = parsedURLs
	transport.retryCount = max(config.RetryCount, 1)
	transport.timeout = config.Timeout()

	// No error
	return nil
}

func (transport *httpClientTransport) Send(ctx context.Context, target uint64, req []byte) (resp []byte, err error) {
	// Check if the transport is initialized
	if transport.client == nil {
		return nil, fmt.Errorf("http transport not initialized")
	}

	var lastErr error
	for i := 0; i < transport.retryCount; i++ {
		resp, err := transport.post(ctx, target, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if i < transport.retryCount-1 {
			if err := sleep(ctx, i); err != nil {
				break
			}
		}
	}
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", transport.retryCount, lastErr)
}

func (transport *httpClientTransport) Close() error {
	// Close the client
	if transport.client != nil {
		transport.client.CloseIdleConnections()
	}

	// Reset the client and server URLs
	transport.client = nil
	transport.serverURLs = nil

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// post sends one attempt to the next server (round-robin)
func (transport *httpClientTransport) post(ctx context.Context, target uint64, req []byte) ([]byte, error) {
	ctx, cancel := attemptContext(ctx, transport.timeout)
	defer cancel()

	idx := transport.counter.Add(1) % uint32(len(transport.serverURLs))
	requestURL := transport.serverURLs[idx].JoinPath(fmt.Sprintf("%d", target))

	// The body is recreated for every attempt
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/octet-stream")

	httpResponse, err := transport.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}

	// Read the response body
	return io.ReadAll(httpResponse.Body)
}

// attemptContext bounds one attempt by the ctx deadline or else the configured timeout
func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout = transport.AttemptTimeout(ctx, timeout); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

func sleep(ctx context.Context, attempt int) error {
	return transport.Sleep(ctx, transport.Backoff(attempt))
}
