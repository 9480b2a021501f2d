package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Response is the JSON body written for every locally generated error
type Response struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteHTTP writes err as a JSON error response. Rate limit errors carry a
// Retry-After header and auth errors a WWW-Authenticate challenge.
func WriteHTTP(w http.ResponseWriter, requestID string, err error) {
	status := GetHTTPStatusCode(err)
	code := GetErrorCode(err)

	message := http.StatusText(status)
	var pErr *ProxyError
	if errors.As(err, &pErr) && pErr.Message != "" {
		message = pErr.Message
	}

	switch code {
	case ErrCodeRateLimited:
		if pErr != nil {
			if retry, ok := pErr.Metadata["retry_after"].(time.Duration); ok {
				secs := int64((retry + time.Second - 1) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			}
		}
	case ErrCodeAuthFailed:
		w.Header().Set("WWW-Authenticate", `Bearer realm="Restricted"`)
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(Response{
		Error:     string(code),
		Message:   message,
		Status:    status,
		RequestID: requestID,
	})
}
