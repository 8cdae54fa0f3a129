package health

import "errors"

var (
	// ErrNoProber is returned when a class has no prober configured.
	ErrNoProber = errors.New("health: no prober for class")

	// ErrUnhealthyResponse is returned by HTTPProber for 5xx responses.
	ErrUnhealthyResponse = errors.New("health: unhealthy response")
)
