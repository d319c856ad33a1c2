// Package httperr describes non-2xx answers from vendor HTTP APIs so callers
// can react to the status code and any Retry-After hint.
package httperr

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBody bounds how much of an error body is kept.
const maxBody = 512

// StatusError is an unexpected HTTP status from a vendor API.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// RetryDelay returns the server's Retry-After hint, or zero.
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }

// FromResponse builds a StatusError from a response and its already-read body.
func FromResponse(service string, resp *http.Response, body []byte) *StatusError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxBody {
		msg = msg[:maxBody]
	}
	return &StatusError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Body:       msg,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter reads a Retry-After value given either as delay seconds or
// as an HTTP date. Missing, malformed, or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
