package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is reported when a peer completes an item without success.
	ErrRejected = errors.New("item rejected")

	// ErrCancelled is reported when an item is removed locally.
	ErrCancelled = errors.New("item cancelled")

	// ErrExpired is reported when an item outlives the queue's pending TTL.
	ErrExpired = errors.New("item expired")

	// ErrInvalidItem is returned by factories that cannot build an item.
	ErrInvalidItem = errors.New("invalid item")
)

// ItemError carries the settled item alongside the reason it was not resolved,
// so callers can inspect Result and Cancelled.
type ItemError struct {
	Item *Item
	Err  error
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %v", e.Item.ID(), e.Err)
}

// Unwrap returns the underlying reason.
func (e *ItemError) Unwrap() error { return e.Err }
