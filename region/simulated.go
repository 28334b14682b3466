package region

import (
	"context"
	"fmt"
	"sync"
)

// simulatedBase is where a simulated backend places its first mapping. It
// looks like a typical user-space mmap address.
const simulatedBase uintptr = 0x7f0000000000

// A SimulatedBackend keeps mappings in Go memory and simulates missing-page
// interception. Each backend is its own address space, like a process.
type SimulatedBackend struct {
	lock     sync.Mutex
	pageSize int
	next     uintptr
	mappings map[uintptr]*simulatedMapping
}

// NewSimulatedBackend creates a simulated address space with the given page
// size. It panics if pageSize is not a positive power of two.
func NewSimulatedBackend(pageSize int) *SimulatedBackend {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("page size %d is not a power of two", pageSize))
	}

	return &SimulatedBackend{
		pageSize: pageSize,
		next:     simulatedBase,
		mappings: make(map[uintptr]*simulatedMapping),
	}
}

// PageSize returns the simulated page size.
func (b *SimulatedBackend) PageSize() int {
	return b.pageSize
}

// Map creates a zero-filled mapping.
func (b *SimulatedBackend) Map(addr uintptr, length int) (Mapping, error) {
	if length <= 0 || length%b.pageSize != 0 {
		return nil, fmt.Errorf("length %d is not a positive multiple of %d",
			length, b.pageSize)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if addr == 0 {
		addr = b.next
	} else if addr%uintptr(b.pageSize) != 0 {
		return nil, fmt.Errorf("%w: %#x is not page aligned",
			ErrAddressUnavailable, addr)
	}

	if b.overlaps(addr, length) {
		return nil, fmt.Errorf("%w: [%#x, %#x) is in use",
			ErrAddressUnavailable, addr, addr+uintptr(length))
	}

	pageCount := length / b.pageSize
	m := &simulatedMapping{
		backend:  b,
		base:     addr,
		pageSize: b.pageSize,
		mem:      make([]byte, length),
		resident: make([]bool, pageCount),
		pending:  make([]bool, pageCount),
	}
	m.cond = sync.NewCond(&m.lock)
	b.mappings[addr] = m

	if end := addr + uintptr(length); end > b.next {
		b.next = end
	}

	return m, nil
}

// NewInterceptor creates an interceptor for mappings of this backend.
func (b *SimulatedBackend) NewInterceptor() (Interceptor, error) {
	icpt := &simulatedInterceptor{
		backend: b,
		notify:  make(chan struct{}, 1),
	}

	return icpt, nil
}

func (b *SimulatedBackend) overlaps(addr uintptr, length int) bool {
	end := addr + uintptr(length)

	for base, m := range b.mappings {
		if addr < base+uintptr(len(m.mem)) && base < end {
			return true
		}
	}

	return false
}

func (b *SimulatedBackend) find(addr uintptr, length int) (*simulatedMapping, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	end := addr + uintptr(length)
	for base, m := range b.mappings {
		if addr >= base && end <= base+uintptr(len(m.mem)) {
			return m, nil
		}
	}

	return nil, fmt.Errorf("%w: [%#x, %#x) is not mapped",
		ErrOutOfRange, addr, end)
}

func (b *SimulatedBackend) remove(m *simulatedMapping) {
	b.lock.Lock()
	defer b.lock.Unlock()

	delete(b.mappings, m.base)
}

type simulatedMapping struct {
	backend  *SimulatedBackend
	base     uintptr
	pageSize int

	lock        sync.Mutex
	cond        *sync.Cond
	mem         []byte
	resident    []bool
	pending     []bool
	interceptor *simulatedInterceptor
	unmapped    bool
}

func (m *simulatedMapping) Base() uintptr {
	return m.base
}

func (m *simulatedMapping) Len() int {
	return len(m.mem)
}

func (m *simulatedMapping) Touch(page int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.access(page)
}

func (m *simulatedMapping) Load(page int, dst []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.access(page)
	copy(dst, m.page(page))
}

func (m *simulatedMapping) Store(page int, src []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.access(page)
	copy(m.page(page), src)
}

func (m *simulatedMapping) Unmap() error {
	m.lock.Lock()
	if m.unmapped {
		m.lock.Unlock()
		return nil
	}

	m.unmapped = true
	m.interceptor = nil
	m.cond.Broadcast()
	m.lock.Unlock()

	m.backend.remove(m)

	return nil
}

// access blocks until page is resident. It must be called with the lock
// held.
func (m *simulatedMapping) access(page int) {
	if page < 0 || page >= len(m.resident) {
		panic(fmt.Sprintf("simulated access to page %d of a %d-page mapping",
			page, len(m.resident)))
	}

	if m.unmapped {
		panic(fmt.Sprintf("simulated access to unmapped address %#x",
			m.base+uintptr(page*m.pageSize)))
	}

	for !m.resident[page] {
		if m.interceptor == nil {
			m.zeroFill(page)
			return
		}

		if !m.pending[page] {
			m.pending[page] = true
			m.interceptor.push(m.base + uintptr(page*m.pageSize))
		}

		m.cond.Wait()
	}
}

func (m *simulatedMapping) zeroFill(page int) {
	clear(m.page(page))
	m.resident[page] = true
}

func (m *simulatedMapping) page(page int) []byte {
	off := page * m.pageSize
	return m.mem[off : off+m.pageSize]
}

func (m *simulatedMapping) resolve(page int, content []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.resident[page] {
		if content == nil {
			clear(m.page(page))
		} else {
			copy(m.page(page), content)
		}

		m.resident[page] = true
	}

	m.pending[page] = false
	m.cond.Broadcast()
}

func (m *simulatedMapping) drop(first, last int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for p := first; p <= last; p++ {
		m.resident[p] = false
		clear(m.page(p))
	}
}

func (m *simulatedMapping) attach(icpt *simulatedInterceptor) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.interceptor != nil && m.interceptor != icpt {
		return fmt.Errorf("%#x is registered with another interceptor", m.base)
	}

	m.interceptor = icpt

	return nil
}

func (m *simulatedMapping) detach(icpt *simulatedInterceptor) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.interceptor == icpt {
		m.interceptor = nil
		m.cond.Broadcast()
	}
}

type simulatedInterceptor struct {
	backend *SimulatedBackend
	notify  chan struct{}

	lock     sync.Mutex
	queue    []uintptr
	mappings []*simulatedMapping
	closed   bool
}

// Register starts intercepting the whole mapping that contains the range.
// The simulation does not track registration below mapping granularity.
func (i *simulatedInterceptor) Register(base uintptr, length int) error {
	m, err := i.backend.find(base, length)
	if err != nil {
		return err
	}

	i.lock.Lock()
	closed := i.closed
	i.lock.Unlock()

	if closed {
		return ErrClosed
	}

	if err := m.attach(i); err != nil {
		return err
	}

	i.lock.Lock()
	i.mappings = append(i.mappings, m)
	i.lock.Unlock()

	return nil
}

func (i *simulatedInterceptor) WaitForFault(ctx context.Context) (uintptr, error) {
	for {
		i.lock.Lock()
		if i.closed {
			i.lock.Unlock()
			return 0, ErrClosed
		}

		if len(i.queue) > 0 {
			addr := i.queue[0]
			i.queue = i.queue[1:]
			i.lock.Unlock()

			return addr, nil
		}
		i.lock.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-i.notify:
		}
	}
}

func (i *simulatedInterceptor) Resolve(addr uintptr, content []byte) error {
	m, page, err := i.locate(addr)
	if err != nil {
		return err
	}

	m.resolve(page, content)

	return nil
}

func (i *simulatedInterceptor) Drop(addr uintptr, length int) error {
	m, first, err := i.locate(addr)
	if err != nil {
		return err
	}

	last := first + (length+m.pageSize-1)/m.pageSize - 1
	if last >= len(m.resident) {
		return fmt.Errorf("%w: drop [%#x, %#x)",
			ErrOutOfRange, addr, addr+uintptr(length))
	}

	m.drop(first, last)

	return nil
}

func (i *simulatedInterceptor) Close() error {
	i.lock.Lock()
	if i.closed {
		i.lock.Unlock()
		return nil
	}

	i.closed = true
	mappings := i.mappings
	i.mappings = nil
	i.queue = nil
	i.lock.Unlock()

	close(i.notify)

	for _, m := range mappings {
		m.detach(i)
	}

	return nil
}

// push queues a fault. It is called with the mapping lock held.
func (i *simulatedInterceptor) push(addr uintptr) {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.closed {
		return
	}

	i.queue = append(i.queue, addr)

	select {
	case i.notify <- struct{}{}:
	default:
	}
}

func (i *simulatedInterceptor) locate(addr uintptr) (*simulatedMapping, int, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.closed {
		return nil, 0, ErrClosed
	}

	for _, m := range i.mappings {
		if addr >= m.base && addr < m.base+uintptr(len(m.mem)) {
			return m, int(addr-m.base) / m.pageSize, nil
		}
	}

	return nil, 0, fmt.Errorf("%w: %#x is not registered", ErrOutOfRange, addr)
}
