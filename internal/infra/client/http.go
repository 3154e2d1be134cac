// Package client holds the outbound HTTP clients: the PSE payment gateway and
// the local model server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("client")

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 4 << 20

// errResponseTooLarge means the remote side answered with a body over
// maxBodyBytes. The answer is complete but unusable.
var errResponseTooLarge = errors.New("response body too large")

// rawResponse is a fully read HTTP response.
type rawResponse struct {
	StatusCode int
	Body       []byte
}

func (r *rawResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// newJSONRequest builds a POST with a JSON body and the JSON content headers.
func newJSONRequest(ctx context.Context, url string, payload any) (*http.Request, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, body, nil
}

// doJSON sends req once and reads the whole body. Errors other than
// errResponseTooLarge mean no complete answer came back from the remote side.
// With errResponseTooLarge the returned response carries the status only.
func doJSON(httpClient *http.Client, req *http.Request) (*rawResponse, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return &rawResponse{StatusCode: resp.StatusCode},
			fmt.Errorf("%w: over %d bytes", errResponseTooLarge, maxBodyBytes)
	}
	return &rawResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// snippet shortens a body for error messages.
func snippet(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
