package shared

import "fmt"

var (
	// API request taxonomy. Every request layer operation surfaces exactly
	// one of these, wrapped with call-site detail.
	ErrAuthorization = fmt.Errorf("authorization rejected")
	ErrRateLimited   = fmt.Errorf("rate limited")
	ErrRequestFailed = fmt.Errorf("request failed")
	ErrTransport     = fmt.Errorf("transport failure")

	// Pairing errors
	ErrPairingTimeout = fmt.Errorf("pairing code was not approved in time")

	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Input validation errors
	ErrMissingArgument = fmt.Errorf("missing required argument")
)
