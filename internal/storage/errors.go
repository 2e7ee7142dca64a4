package storage

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned when a unique constraint rejects an insert.
var ErrAlreadyExists = errors.New("storage: already exists")

// ErrNotClaimable is returned when an event cannot be claimed for processing
// because it is already terminal or being processed by another worker.
var ErrNotClaimable = errors.New("storage: event not claimable")
