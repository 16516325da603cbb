// Package events declares the lifecycle events published on the eventbus.
package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an edge handler receives a request.
// Context carries the request id.
type HTTPStart struct {
	Route    string
	ClientIP string
	Request  *http.Request
}

// HTTPFinish is emitted after the edge handler wrote its response.
type HTTPFinish struct {
	Route    string
	Request  *http.Request
	Status   int
	Duration time.Duration
}
