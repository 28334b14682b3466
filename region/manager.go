package region

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

// A Region is a mapped range of pages whose missing-page accesses are
// intercepted.
type Region struct {
	mapping     Mapping
	interceptor Interceptor
	pageSize    int
	pageCount   int
}

// Allocate maps pageCount pages at an address the backend picks and starts
// intercepting accesses to them.
func Allocate(backend Backend, pageCount int) (*Region, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("region: page count must be positive, got %d",
			pageCount)
	}

	return setup(backend, 0, pageCount)
}

// Mirror maps the region described by info at exactly the same address and
// starts intercepting accesses to it.
func Mirror(backend Backend, info protocol.InitInfo) (*Region, error) {
	pageSize := uint64(backend.PageSize())

	if info.Addr == 0 || info.Addr%pageSize != 0 {
		return nil, fmt.Errorf("%w: %#x is not page aligned",
			ErrAddressUnavailable, info.Addr)
	}

	if info.Length == 0 || info.Length%pageSize != 0 {
		return nil, fmt.Errorf("region: length %d is not a positive multiple of %d",
			info.Length, pageSize)
	}

	return setup(backend, uintptr(info.Addr), int(info.Length/pageSize))
}

func setup(backend Backend, addr uintptr, pageCount int) (*Region, error) {
	pageSize := backend.PageSize()
	length := pageCount * pageSize

	m, err := backend.Map(addr, length)
	if err != nil {
		return nil, fmt.Errorf("region: map %d bytes: %w", length, err)
	}

	if addr != 0 && m.Base() != addr {
		_ = m.Unmap()
		return nil, fmt.Errorf("%w: wanted %#x, got %#x",
			ErrAddressUnavailable, addr, m.Base())
	}

	icpt, err := backend.NewInterceptor()
	if err != nil {
		_ = m.Unmap()
		return nil, fmt.Errorf("region: create interceptor: %w", err)
	}

	err = icpt.Register(m.Base(), length)
	if err != nil {
		_ = icpt.Close()
		_ = m.Unmap()
		return nil, fmt.Errorf("region: register %#x: %w", m.Base(), err)
	}

	r := &Region{
		mapping:     m,
		interceptor: icpt,
		pageSize:    pageSize,
		pageCount:   pageCount,
	}

	return r, nil
}

// Info describes the region so that the peer can mirror it.
func (r *Region) Info() protocol.InitInfo {
	return protocol.InitInfo{
		Addr:   uint64(r.mapping.Base()),
		Length: uint64(r.mapping.Len()),
	}
}

// PageSize returns the size of a page in bytes.
func (r *Region) PageSize() int {
	return r.pageSize
}

// PageCount returns the number of pages.
func (r *Region) PageCount() int {
	return r.pageCount
}

// PageIndex returns the page that contains addr.
func (r *Region) PageIndex(addr uintptr) (int, error) {
	base := r.mapping.Base()
	if addr < base || addr >= base+uintptr(r.mapping.Len()) {
		return 0, fmt.Errorf("%w: address %#x", ErrOutOfRange, addr)
	}

	return int((addr - base) / uintptr(r.pageSize)), nil
}

// PageAddr returns the first address of page i.
func (r *Region) PageAddr(i int) uintptr {
	r.mustBeInRange(i)
	return r.mapping.Base() + uintptr(i*r.pageSize)
}

// Touch accesses page i, blocking until its fault is resolved if the page
// is missing.
func (r *Region) Touch(i int) {
	r.mustBeInRange(i)
	r.mapping.Touch(i)
}

// Load copies page i into dst.
func (r *Region) Load(i int, dst []byte) {
	r.mustBeInRange(i)
	r.mapping.Load(i, dst)
}

// Store copies src into page i.
func (r *Region) Store(i int, src []byte) {
	r.mustBeInRange(i)
	r.mapping.Store(i, src)
}

// WaitForFault blocks until an access to a missing page happens and returns
// the page index.
func (r *Region) WaitForFault(ctx context.Context) (int, error) {
	addr, err := r.interceptor.WaitForFault(ctx)
	if err != nil {
		return 0, err
	}

	return r.PageIndex(addr)
}

// Install backs page i with content, or with zeros if content is nil, and
// wakes whoever faulted on it.
func (r *Region) Install(i int, content []byte) error {
	if content != nil && len(content) != r.pageSize {
		return fmt.Errorf("region: install %d bytes into a %d-byte page",
			len(content), r.pageSize)
	}

	return r.interceptor.Resolve(r.PageAddr(i), content)
}

// Release drops the local backing of page i. The next access faults.
func (r *Region) Release(i int) error {
	return r.interceptor.Drop(r.PageAddr(i), r.pageSize)
}

// StopInterception closes the interceptor. Accessors blocked on a fault are
// woken and missing pages read as zeros from then on. The mapping stays
// valid until Close.
func (r *Region) StopInterception() error {
	return r.interceptor.Close()
}

// Close stops intercepting and unmaps the region. No access may be in
// flight or start after Close.
func (r *Region) Close() error {
	return errors.Join(r.interceptor.Close(), r.mapping.Unmap())
}

func (r *Region) mustBeInRange(i int) {
	if i < 0 || i >= r.pageCount {
		panic(fmt.Sprintf("page %d out of range [0, %d)", i, r.pageCount))
	}
}
