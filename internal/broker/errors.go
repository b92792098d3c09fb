package broker

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNonRetryable 表示请求失败且不应重试。
var ErrNonRetryable = errors.New("broker: 不可重试的请求错误")

// HTTPError 为券商返回的非 2xx 响应。
type HTTPError struct {
	Status    int
	Body      string
	Message   string
	ErrorType string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.ErrorType != "" {
		return fmt.Sprintf("broker: HTTP %d %s: %s", e.Status, e.ErrorType, msg)
	}
	return fmt.Sprintf("broker: HTTP %d: %s", e.Status, msg)
}

// Retryable 表示 5xx 或 429。
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Unwrap 让 4xx 错误可以通过 errors.Is(err, ErrNonRetryable) 判断。
func (e *HTTPError) Unwrap() error {
	if e.Retryable() {
		return nil
	}
	return ErrNonRetryable
}

// StatusOf 返回错误携带的 HTTP 状态码，非 HTTPError 返回 0。
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
