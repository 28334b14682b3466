//go:build linux && (amd64 || arm64)

package region

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// userfaultfd ABI from linux/userfaultfd.h. The ioctl numbers are
// _IOWR/_IOR(0xAA, nr, struct) and are the same on amd64 and arm64.
const (
	uffdAPI          = 0xAA
	uffdUserModeOnly = 1

	uffdioAPI        = 0xC018AA3F
	uffdioRegister   = 0xC020AA00
	uffdioUnregister = 0x8010AA01
	uffdioWake       = 0x8010AA02
	uffdioCopy       = 0xC028AA03
	uffdioZeropage   = 0xC020AA04

	uffdioRegisterModeMissing = 1

	uffdioCopyBit     = 1 << 0x03
	uffdioZeropageBit = 1 << 0x04

	uffdEventPagefault = 0x12
	uffdMsgSize        = 32
	uffdMsgAddrOffset  = 16

	pollSliceMillis = 100
)

type uffdioAPIArg struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegisterArg struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopyArg struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropageArg struct {
	rng      uffdioRange
	mode     uint64
	zeropage int64
}

// NativeBackend maps memory with mmap and intercepts missing pages with
// userfaultfd.
//
// A goroutine that touches a missing page blocks its OS thread inside the
// kernel until the fault is resolved. The resolver must be able to run on
// another thread, so the process needs GOMAXPROCS of at least 2.
type NativeBackend struct {
	pageSize int
}

// NewNativeBackend creates a backend on the operating system's memory.
func NewNativeBackend() (Backend, error) {
	if runtime.GOMAXPROCS(0) < 2 {
		return nil, fmt.Errorf("native backend needs GOMAXPROCS >= 2, have %d",
			runtime.GOMAXPROCS(0))
	}

	return &NativeBackend{pageSize: unix.Getpagesize()}, nil
}

// PageSize returns the system page size.
func (b *NativeBackend) PageSize() int {
	return b.pageSize
}

// Map creates a private anonymous read-write mapping.
func (b *NativeBackend) Map(addr uintptr, length int) (Mapping, error) {
	if length <= 0 || length%b.pageSize != 0 {
		return nil, fmt.Errorf("length %d is not a positive multiple of %d",
			length, b.pageSize)
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	var hint unsafe.Pointer
	if addr != 0 {
		hint = unsafe.Pointer(addr)
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	ptr, err := unix.MmapPtr(-1, 0, hint, uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE, flags)
	if errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("%w: [%#x, %#x) is in use",
			ErrAddressUnavailable, addr, addr+uintptr(length))
	}

	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	m := &nativeMapping{
		ptr:      ptr,
		mem:      unsafe.Slice((*byte)(ptr), length),
		pageSize: b.pageSize,
	}

	// Kernels before 4.17 ignore MAP_FIXED_NOREPLACE and treat the address
	// as a hint.
	if addr != 0 && m.Base() != addr {
		_ = m.Unmap()
		return nil, fmt.Errorf("%w: kernel placed the mapping at %#x",
			ErrAddressUnavailable, uintptr(ptr))
	}

	return m, nil
}

// NewInterceptor opens a userfaultfd.
func (b *NativeBackend) NewInterceptor() (Interceptor, error) {
	fd, err := openUserfaultfd()
	if err != nil {
		return nil, err
	}

	arg := uffdioAPIArg{api: uffdAPI}
	if err := ioctl(fd, uffdioAPI, unsafe.Pointer(&arg)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("UFFDIO_API: %w", err)
	}

	icpt := &nativeInterceptor{
		fd:       fd,
		pageSize: b.pageSize,
	}

	return icpt, nil
}

// openUserfaultfd asks for a user-mode-only descriptor first, which
// unprivileged processes may open when vm.unprivileged_userfaultfd is 0.
// Kernels before 5.11 reject the flag.
func openUserfaultfd() (int, error) {
	flags := uintptr(unix.O_CLOEXEC | unix.O_NONBLOCK)

	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, flags|uffdUserModeOnly, 0, 0)
	if errno == unix.EINVAL {
		fd, _, errno = unix.Syscall(unix.SYS_USERFAULTFD, flags, 0, 0)
	}

	if errno != 0 {
		return -1, fmt.Errorf("userfaultfd: %w", errno)
	}

	return int(fd), nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

type nativeMapping struct {
	ptr      unsafe.Pointer
	mem      []byte
	pageSize int
	unmapped atomic.Bool
}

func (m *nativeMapping) Base() uintptr {
	return uintptr(m.ptr)
}

func (m *nativeMapping) Len() int {
	return len(m.mem)
}

// Touch reads one word of the page. The atomic load cannot be optimized
// away, so the access really happens and faults if the page is missing.
func (m *nativeMapping) Touch(page int) {
	atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.page(page)[0])))
}

func (m *nativeMapping) Load(page int, dst []byte) {
	copy(dst, m.page(page))
}

func (m *nativeMapping) Store(page int, src []byte) {
	copy(m.page(page), src)
}

func (m *nativeMapping) Unmap() error {
	if m.unmapped.Swap(true) {
		return nil
	}

	return unix.MunmapPtr(m.ptr, uintptr(len(m.mem)))
}

func (m *nativeMapping) page(page int) []byte {
	off := page * m.pageSize
	return m.mem[off : off+m.pageSize]
}

// nativeInterceptor wraps a userfaultfd. The read lock is held across every
// use of the descriptor so that Close cannot release it underneath a poll
// or an ioctl.
type nativeInterceptor struct {
	lock     sync.RWMutex
	fd       int
	pageSize int
	closed   bool
	ranges   []uffdioRange
}

func (i *nativeInterceptor) Register(base uintptr, length int) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.closed {
		return ErrClosed
	}

	arg := uffdioRegisterArg{
		rng:  uffdioRange{start: uint64(base), len: uint64(length)},
		mode: uffdioRegisterModeMissing,
	}

	if err := ioctl(i.fd, uffdioRegister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER: %w", err)
	}

	if arg.ioctls&uffdioCopyBit == 0 || arg.ioctls&uffdioZeropageBit == 0 {
		_ = ioctl(i.fd, uffdioUnregister, unsafe.Pointer(&arg.rng))
		return fmt.Errorf("UFFDIO_REGISTER: copy or zeropage not supported (ioctls %#x)",
			arg.ioctls)
	}

	i.ranges = append(i.ranges, arg.rng)

	return nil
}

func (i *nativeInterceptor) WaitForFault(ctx context.Context) (uintptr, error) {
	var msg [uffdMsgSize]byte

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		addr, ok, err := i.poll(msg[:])
		if err != nil {
			return 0, err
		}

		if ok {
			return addr &^ uintptr(i.pageSize-1), nil
		}
	}
}

// poll waits one slice for a message and reads it.
func (i *nativeInterceptor) poll(msg []byte) (uintptr, bool, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	if i.closed {
		return 0, false, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(i.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, pollSliceMillis)
	if err == unix.EINTR || n == 0 {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("poll userfaultfd: %w", err)
	}

	_, err = unix.Read(i.fd, msg)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("read userfaultfd: %w", err)
	}

	if msg[0] != uffdEventPagefault {
		return 0, false, nil
	}

	addr := binary.NativeEndian.Uint64(msg[uffdMsgAddrOffset:])

	return uintptr(addr), true, nil
}

func (i *nativeInterceptor) Resolve(addr uintptr, content []byte) error {
	i.lock.RLock()
	defer i.lock.RUnlock()

	if i.closed {
		return ErrClosed
	}

	for {
		var err error
		if content == nil {
			err = i.zeropage(addr)
		} else {
			err = i.copyPage(addr, content)
		}

		switch err {
		case nil:
			return nil
		case unix.EAGAIN:
			continue
		case unix.EEXIST:
			return i.wake(addr)
		default:
			return fmt.Errorf("resolve %#x: %w", addr, err)
		}
	}
}

func (i *nativeInterceptor) copyPage(addr uintptr, content []byte) error {
	arg := uffdioCopyArg{
		dst: uint64(addr),
		src: uint64(uintptr(unsafe.Pointer(&content[0]))),
		len: uint64(i.pageSize),
	}

	err := ioctl(i.fd, uffdioCopy, unsafe.Pointer(&arg))
	runtime.KeepAlive(content)

	return err
}

func (i *nativeInterceptor) zeropage(addr uintptr) error {
	arg := uffdioZeropageArg{
		rng: uffdioRange{start: uint64(addr), len: uint64(i.pageSize)},
	}

	return ioctl(i.fd, uffdioZeropage, unsafe.Pointer(&arg))
}

func (i *nativeInterceptor) wake(addr uintptr) error {
	rng := uffdioRange{start: uint64(addr), len: uint64(i.pageSize)}

	if err := ioctl(i.fd, uffdioWake, unsafe.Pointer(&rng)); err != nil {
		return fmt.Errorf("UFFDIO_WAKE %#x: %w", addr, err)
	}

	return nil
}

func (i *nativeInterceptor) Drop(addr uintptr, length int) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)

	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise %#x: %w", addr, err)
	}

	return nil
}

// Close releases the descriptor. The kernel wakes every blocked accessor
// and the registered ranges behave as plain anonymous memory afterwards.
func (i *nativeInterceptor) Close() error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.closed {
		return nil
	}

	i.closed = true

	for _, rng := range i.ranges {
		r := rng
		_ = ioctl(i.fd, uffdioUnregister, unsafe.Pointer(&r))
	}

	return unix.Close(i.fd)
}
