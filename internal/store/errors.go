// Package store defines the errors shared by store implementations and
// their consumers.
package store

import "errors"

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")
