package apiframework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// HandleAPIError classifies a non-2xx HTTP response. The body may carry the
// server's error envelope; its message is used when present.
func HandleAPIError(status int, body []byte) error {
	var envelope struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	message := ""
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Message != "" {
		message = envelope.Message
	}
	if message == "" {
		bodyStr := string(body)
		if len(bodyStr) > 100 {
			bodyStr = bodyStr[:100] + "..."
		}
		message = fmt.Sprintf("API error %d: %s", status, bodyStr)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthenticated(message)
	case status == http.StatusRequestTimeout:
		return Timeout(message)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		apiErr := ValidationFailure("", message)
		apiErr.status = status
		return apiErr
	default:
		return ServerError(status, message)
	}
}

// ClassifyTransportError maps a failure that produced no HTTP response
// (DNS, connection refused, cancelled context) into the taxonomy.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return Timeout()
	}
	return NetworkFailure(err)
}
