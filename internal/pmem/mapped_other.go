//go:build !unix

package pmem

import (
	"errors"
)

// Create is only supported on unix platforms.
func Create(string, ...Option) (*Arena, error) {
	return nil, errors.ErrUnsupported
}

// OpenFile is only supported on unix platforms.
func OpenFile(string, ...Option) (*Arena, error) {
	return nil, errors.ErrUnsupported
}
