package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
)

// maxResponseBodySize bounds how much of a backend response is read (1MB).
const maxResponseBodySize = 1 << 20

// Version is sent in the User-Agent header.
var Version = "dev"

// Client talks to the dialogue backend.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. A nil httpClient uses a client without a
// global timeout; callers bound requests through the context.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// PostTurn sends one turn as multipart/form-data and decodes the reply.
func (c *Client) PostTurn(ctx context.Context, url string, fields []FormField) (*Reply, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("encode field %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var env turnEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("undecodable turn response", "url", url, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Custom == nil || env.Custom.Message == "" {
		return nil, ErrMalformedResponse
	}
	return env.Custom, nil
}

// Notify posts {"sender": sender} to url.
func (c *Client) Notify(ctx context.Context, url, sender string) error {
	payload, err := json.Marshal(notifyRequest{Sender: sender})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chatbubble/"+Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: req.URL.String(), Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &TransportError{URL: req.URL.String(), Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			env.Message = ""
		}
		return nil, &ServerError{Status: resp.StatusCode, Message: env.Message}
	}
	return data, nil
}
