package core

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live duplex channel.
	ErrNotConnected = errors.New("not connected")
	// ErrNotLoggedIn is returned when an operation needs an authenticated user.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrRateLimited is returned when outbound emits exceed the configured rate.
	ErrRateLimited = errors.New("rate limited")
)
