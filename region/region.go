// Package region maps the shared memory of a DSM node and intercepts the
// first access to every page that has no local backing.
//
// The operating-system side is hidden behind three small capabilities:
// a Backend creates Mappings and Interceptors, a Mapping is a range of
// addresses the node reads and writes, and an Interceptor reports accesses
// to missing pages and installs their content. The native backend builds
// them on mmap and userfaultfd. The simulated backend builds them on Go
// memory and runs everywhere.
package region

import (
	"context"
	"errors"
)

var (
	// ErrAddressUnavailable is returned when a mapping cannot be placed at
	// the requested address.
	ErrAddressUnavailable = errors.New("region: address unavailable")

	// ErrUnsupported is returned when the platform has no native fault
	// interception.
	ErrUnsupported = errors.New("region: fault interception not supported on this platform")

	// ErrOutOfRange is returned for addresses and pages outside a region.
	ErrOutOfRange = errors.New("region: out of range")

	// ErrClosed is returned by an interceptor that has been closed.
	ErrClosed = errors.New("region: interceptor closed")
)

// A Backend creates mappings and fault interceptors.
type Backend interface {
	// PageSize returns the granularity of mappings and faults.
	PageSize() int

	// Map creates a private anonymous mapping of length bytes. If addr is
	// zero the backend picks the address. Otherwise the mapping is placed
	// exactly at addr or ErrAddressUnavailable is returned.
	Map(addr uintptr, length int) (Mapping, error)

	// NewInterceptor creates a fault interceptor.
	NewInterceptor() (Interceptor, error)
}

// A Mapping is a contiguous range of memory.
//
// Touch, Load and Store access the memory the way a program would. If the
// page is missing and its range is registered with an interceptor, the
// caller blocks until the interceptor resolves the fault.
type Mapping interface {
	Base() uintptr
	Len() int
	Touch(page int)
	Load(page int, dst []byte)
	Store(page int, src []byte)
	Unmap() error
}

// An Interceptor reports accesses to missing pages of the ranges registered
// with it.
type Interceptor interface {
	// Register starts intercepting missing-page accesses in the range.
	Register(base uintptr, length int) error

	// WaitForFault blocks until an access faults and returns the
	// page-aligned address.
	WaitForFault(ctx context.Context) (uintptr, error)

	// Resolve installs a page at addr and wakes the accessors. A nil
	// content installs a zero page. Resolving a page that is already
	// present only wakes the accessors.
	Resolve(addr uintptr, content []byte) error

	// Drop releases the backing of a range so that the next access faults
	// again.
	Drop(addr uintptr, length int) error

	// Close stops intercepting. Blocked accessors are woken and missing
	// pages read as zeros from then on. Closing twice is a no-op.
	Close() error
}
