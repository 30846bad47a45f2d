package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/podflow/podflow/pkg/podflow/perrors"
)

// callTimeout caps non-streaming backend calls. Generous to accommodate
// slow reasoning models. Streaming calls rely on the transport's idle
// timeout instead of a wall-clock cap.
const callTimeout = 180 * time.Second

// httpDoer lets tests swap the transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// backendError is the common {"error": {"message": ...}} envelope.
type backendError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// errorMessage extracts a backend error message, falling back to the raw
// body.
func errorMessage(body []byte) string {
	var env backendError
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}

// doJSON performs one HTTP round trip with a JSON body and maps failures
// onto the error taxonomy. A non-2xx status is returned as a coded error
// carrying the backend's message.
func doJSON(ctx context.Context, client httpDoer, method, url string, headers map[string]string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		coded := perrors.FromHTTPStatus(resp.StatusCode, errorMessage(body))
		if coded.Code == perrors.CodeRateLimited {
			if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				coded.RetryAfterSeconds = after
			}
		}
		return nil, coded
	}

	return body, nil
}

// openStream performs the HTTP round trip for a streaming call and
// returns the open response body. The caller owns closing it.
func openStream(ctx context.Context, client httpDoer, method, url string, headers map[string]string, payload any) (io.ReadCloser, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		coded := perrors.FromHTTPStatus(resp.StatusCode, errorMessage(body))
		if coded.Code == perrors.CodeRateLimited {
			if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				coded.RetryAfterSeconds = after
			}
		}
		return nil, coded
	}

	return resp.Body, nil
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return perrors.Wrap(perrors.CodeTimeout, "backend call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perrors.Wrap(perrors.CodeTimeout, "backend call timed out", err)
	}
	return perrors.Wrap(perrors.CodeNetworkError, "backend call failed", err)
}
