// Package service implements the tenant, ingestion, and search operations
// on top of the repositories, queue, and stores.
package service

import "errors"

var (
	// ErrInvalidInput is returned when request parameters fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the requested entity does not exist or
	// belongs to another tenant.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when an API key does not match a tenant.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when a tenant exceeds its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)
