// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package dualbuf implements DualResidentBuffer<T>: a typed,
// vector-like container that transparently mirrors data between
// host and accelerator memory, tracking which side is stale after
// every explicit "mark modified" call and reallocating to the
// cheapest residency configuration that satisfies a pair of usage
// hints.
package dualbuf

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/exp/constraints"
	"honnef.co/go/safeish"

	"github.com/gviegas/scopecore/accel"
)

// Trivial is the set of element types a Buffer[T] may mirror to
// the accelerator: all of them are trivially copyable as raw
// bytes, which is exactly the condition the spec uses to decide
// whether the device hint can be honored at all. Non-trivial
// sample types (digital-bus dynamic arrays, protocol symbol
// records) use HostOnly instead; there is no generics-level way to
// forbid them from Buffer, so the constraint itself is the type
// system's enforcement of "device hint forced to Never".
type Trivial interface {
	constraints.Integer | constraints.Float | ~bool
}

// Hint is a usage hint ("Never", "Unlikely", "Likely") supplied
// independently for host and device access.
type Hint int

// Usage hints.
const (
	Never Hint = iota
	Unlikely
	Likely
)

// Config is the memory classification a Buffer currently occupies.
type Config int

// Memory configurations.
const (
	// ConfigNull means no allocation exists.
	ConfigNull Config = iota
	// ConfigHostOnly is normal aligned heap memory, not visible to
	// the accelerator.
	ConfigHostOnly
	// ConfigHostPaged is file-backed storage intended for rarely
	// touched bulk data.
	ConfigHostPaged
	// ConfigShared is a single physical allocation visible to both
	// host and device (host-pinned, accelerator-visible).
	ConfigShared
	// ConfigDeviceLocal is accelerator memory not visible to the
	// host; the host-side buffer is freed in this configuration.
	ConfigDeviceLocal
	// ConfigMirrored is independent host and device allocations,
	// kept coherent via explicit staleness tracking.
	ConfigMirrored
)

func (c Config) String() string {
	switch c {
	case ConfigNull:
		return "null"
	case ConfigHostOnly:
		return "host-only"
	case ConfigHostPaged:
		return "host-paged"
	case ConfigShared:
		return "shared"
	case ConfigDeviceLocal:
		return "device-local"
	case ConfigMirrored:
		return "mirrored"
	default:
		return "invalid"
	}
}

// chooseConfig implements the table-driven residency chooser from
// the component design. Combinations outside the specified table
// fall back to the nearest listed row that still satisfies both
// hints (documented inline).
func chooseConfig(host, device Hint) Config {
	switch {
	case host == Never && device == Never:
		return ConfigNull
	case host == Likely && device == Never:
		return ConfigHostOnly
	case host == Unlikely && device == Never:
		return ConfigHostPaged
	case host == Likely && device == Unlikely:
		return ConfigShared
	case host == Likely && device == Likely:
		return ConfigMirrored
	case host == Never && device == Likely:
		return ConfigDeviceLocal
	case host == Never && device == Unlikely:
		// Device access is merely possible and the host side is
		// never touched: no benefit to keeping a host allocation
		// nobody reads.
		return ConfigDeviceLocal
	case host == Unlikely && device == Unlikely:
		// Neither side expects frequent traffic; prefer the
		// cheaper host-paged allocation over a shared mapping.
		return ConfigHostPaged
	default: // Unlikely/Likely
		return ConfigMirrored
	}
}

// ErrResource is wrapped by every resource failure the spec
// classifies as fatal: allocation failure, file-mapping failure, a
// mandatory zero-size allocation, or a device request with no GPU
// attached. Callers are expected to treat it as unrecoverable.
var ErrResource = errors.New("dualbuf: resource failure")

// Buffer is a DualResidentBuffer<T>: a growable, typed container
// with explicit host/device residency control.
type Buffer[T Trivial] struct {
	name string
	gpu  accel.GPU

	hostHint, deviceHint Hint
	config               Config

	size, cap int

	host   []T
	device accel.Buffer

	hostStale, deviceStale bool

	file *os.File
}

// New creates an empty Buffer with the given usage hints and debug
// name (composed as "<ClassName>.<instance-name>.<field>" by
// callers, per the naming convention of the component design).
func New[T Trivial](name string, hostHint, deviceHint Hint) *Buffer[T] {
	b := &Buffer[T]{name: name, hostHint: hostHint, deviceHint: deviceHint, config: ConfigNull}
	return b
}

// Attach associates gpu with the buffer, enabling device-resident
// configurations. It is a no-op if gpu is nil.
func (b *Buffer[T]) Attach(gpu accel.GPU) { b.gpu = gpu }

// Name returns the buffer's debug name.
func (b *Buffer[T]) Name() string { return b.name }

// Size returns the number of live elements.
func (b *Buffer[T]) Size() int { return b.size }

// Cap returns the current element capacity.
func (b *Buffer[T]) Cap() int { return b.cap }

// Config returns the buffer's current memory classification.
func (b *Buffer[T]) Config() Config { return b.config }

// sizeOf returns sizeof(T) using unsafe.Sizeof on a zero value.
func sizeOf[T Trivial]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// SetHints updates the usage hints and, if the resulting
// configuration differs from the current one, migrates to it,
// preserving live elements.
func (b *Buffer[T]) SetHints(host, device Hint) error {
	b.hostHint, b.deviceHint = host, device
	want := chooseConfig(host, device)
	if want == b.config {
		return nil
	}
	return b.migrate(want)
}

// migrate reallocates the buffer to the target configuration.
// Host-resident bytes are preserved across the transition (moved to
// the device for ConfigDeviceLocal); ConfigNull releases both sides
// and the live elements with them. The stale flags are left
// untouched (a migration is not itself a write).
func (b *Buffer[T]) migrate(want Config) error {
	switch want {
	case ConfigNull:
		b.freeHost()
		b.freeDevice()
	case ConfigHostOnly:
		b.ensureHost()
		b.freeDevice()
	case ConfigHostPaged:
		if err := b.ensurePaged(); err != nil {
			return err
		}
		b.freeDevice()
	case ConfigShared, ConfigMirrored:
		b.ensureHost()
		if err := b.ensureDevice(); err != nil {
			return err
		}
	case ConfigDeviceLocal:
		if err := b.ensureDevice(); err != nil {
			return err
		}
		if b.size > 0 && len(b.host) >= b.size && !b.hostStale {
			data := b.device.Bytes()
			if data == nil {
				return fmt.Errorf("%w: %s: device buffer not host-visible", ErrResource, b.name)
			}
			copy(data, bytesOf(b.host[:b.size]))
		}
		b.freeHost()
	}
	b.config = want
	return nil
}

func (b *Buffer[T]) ensureHost() {
	if len(b.host) < b.cap {
		nh := make([]T, b.cap)
		copy(nh, b.host)
		b.host = nh
	}
}

func (b *Buffer[T]) freeHost() { b.host = nil }

func (b *Buffer[T]) freeDevice() {
	if b.device != nil {
		b.device.Destroy()
		b.device = nil
	}
}

func (b *Buffer[T]) ensureDevice() error {
	if b.gpu == nil {
		return fmt.Errorf("%w: %s: device residency requested without an accelerator attached", ErrResource, b.name)
	}
	if b.device != nil && b.device.Cap() >= int64(b.cap)*int64(sizeOf[T]()) {
		return nil
	}
	if b.cap == 0 && b.device == nil {
		// Empty buffer: nothing to allocate yet. growTo allocates
		// the device side once capacity exists.
		return nil
	}
	b.freeDevice()
	n := int64(b.cap) * int64(sizeOf[T]())
	if n <= 0 {
		return fmt.Errorf("%w: %s: zero-size device allocation", ErrResource, b.name)
	}
	visible := b.config == ConfigShared
	buf, err := b.gpu.NewBuffer(n, visible, accel.UGeneric)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrResource, b.name, err)
	}
	b.device = buf
	return nil
}

func (b *Buffer[T]) ensurePaged() error {
	if b.file == nil {
		f, err := os.CreateTemp("", "dualbuf-*.page")
		if err != nil {
			return fmt.Errorf("%w: %s: file-mapping failure: %v", ErrResource, b.name, err)
		}
		b.file = f
	}
	b.ensureHost()
	return nil
}

// Resize extends the live length to n, growing capacity by
// doubling with a floor of the requested size if necessary. Newly
// allocated primitive elements are left uninitialized (zero-valued
// in Go, but callers must not rely on any particular value, per the
// spec's "must be written before read" rule).
func (b *Buffer[T]) Resize(n int) error {
	if n < 0 {
		return errors.New("dualbuf: negative size")
	}
	if n > b.cap {
		want := b.cap * 2
		if want < n {
			want = n
		}
		if err := b.growTo(want); err != nil {
			return err
		}
	}
	b.size = n
	return nil
}

// Reserve ensures capacity for at least n elements without
// changing Size. It never shrinks.
func (b *Buffer[T]) Reserve(n int) error {
	if n <= b.cap {
		return nil
	}
	return b.growTo(n)
}

// growTo grows capacity to exactly n elements (n > b.cap),
// reallocating the host and/or device storage currently in use.
func (b *Buffer[T]) growTo(n int) error {
	old := b.cap
	b.cap = n
	switch b.config {
	case ConfigNull:
		// No hint has chosen a residency yet: the host side is
		// grown on demand, and the device side is allocated by the
		// first PrepareForDeviceAccess(Cmd).
		nh := make([]T, n)
		copy(nh, b.host)
		b.host = nh
	case ConfigHostOnly, ConfigShared, ConfigMirrored:
		nh := make([]T, n)
		copy(nh, b.host)
		b.host = nh
		if b.config != ConfigHostOnly {
			if err := b.ensureDevice(); err != nil {
				b.cap = old
				return err
			}
		}
	case ConfigHostPaged:
		nh := make([]T, n)
		copy(nh, b.host)
		b.host = nh
	case ConfigDeviceLocal:
		if err := b.ensureDevice(); err != nil {
			b.cap = old
			return err
		}
	}
	return nil
}

// ShrinkToFit releases unused capacity.
func (b *Buffer[T]) ShrinkToFit() {
	if b.cap == b.size {
		return
	}
	b.cap = b.size
	if b.host != nil {
		nh := make([]T, b.size)
		copy(nh, b.host)
		b.host = nh
	}
	if b.device != nil {
		b.freeDevice()
		b.ensureDevice()
	}
}

// Clear empties the buffer without releasing capacity.
func (b *Buffer[T]) Clear() { b.size = 0 }

// PushBack appends v, growing as necessary.
func (b *Buffer[T]) PushBack(v T) error {
	if err := b.Resize(b.size + 1); err != nil {
		return err
	}
	b.ensureHost()
	b.host[b.size-1] = v
	b.hostStale = false
	return nil
}

// At returns the element at index i. The host side must be
// prepared (PrepareForHostAccess) beforehand if the device side may
// be fresher.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("dualbuf: index out of range")
	}
	return b.host[i]
}

// Set assigns the element at index i. Does not by itself mark the
// host copy modified — callers call MarkModifiedFromHost once after
// a batch of writes, matching the teacher's batched-transfer
// discipline.
func (b *Buffer[T]) Set(i int, v T) {
	if i < 0 || i >= b.size {
		panic("dualbuf: index out of range")
	}
	b.host[i] = v
}

// Host returns the live host-resident slice. It is nil if the
// buffer's current configuration has no host allocation
// (ConfigDeviceLocal). It is returned even when the host side is
// stale relative to the device side (see HostStale); call
// PrepareForHostAccess first to read fresh data.
func (b *Buffer[T]) Host() []T {
	if b.host == nil {
		return nil
	}
	return b.host[:b.size]
}

// Device returns the underlying accel.Buffer, or nil if the current
// configuration has no device allocation.
func (b *Buffer[T]) Device() accel.Buffer { return b.device }

// MarkModifiedFromHost records that the host copy is now the fresh
// one.
func (b *Buffer[T]) MarkModifiedFromHost() {
	b.hostStale = false
	b.deviceStale = true
}

// MarkModifiedFromDevice records that the device copy is now the
// fresh one.
func (b *Buffer[T]) MarkModifiedFromDevice() {
	b.deviceStale = false
	b.hostStale = true
}

// HostStale reports whether the host copy is known to be older
// than the device copy.
func (b *Buffer[T]) HostStale() bool { return b.hostStale }

// DeviceStale reports whether the device copy is known to be older
// than the host copy.
func (b *Buffer[T]) DeviceStale() bool { return b.deviceStale }

// bytesOf reinterprets s as a byte slice without copying: safeish
// casts the first element's pointer to *byte and unsafe.Slice
// spans the whole backing store.
func bytesOf[T Trivial](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	p := safeish.Cast[*byte](&s[0])
	return unsafe.Slice(p, len(s)*int(unsafe.Sizeof(s[0])))
}

// PrepareForHostAccess copies from the device side to the host side
// iff the device side is the fresh one, blocking until the copy
// completes. It is a no-op for configurations with no device
// allocation.
func (b *Buffer[T]) PrepareForHostAccess() error {
	if !b.deviceStale && b.device != nil && b.hostStale {
		b.ensureHost()
		data := b.device.Bytes()
		if data == nil {
			return fmt.Errorf("%w: %s: device buffer not host-visible", ErrResource, b.name)
		}
		n := b.size * sizeOf[T]()
		copy(bytesOf(b.host[:b.size]), data[:n])
		b.hostStale = false
	}
	return nil
}

// PrepareForDeviceAccess copies from the host side to the device
// side iff the host side is the fresh one. If outputOnly is true,
// the copy is skipped because the caller's dispatch is about to
// overwrite the whole range.
func (b *Buffer[T]) PrepareForDeviceAccess(outputOnly bool) error {
	if err := b.ensureDevice(); err != nil {
		return err
	}
	if outputOnly {
		b.deviceStale = false
		return nil
	}
	if !b.deviceStale {
		// Device already holds the fresh copy.
		return nil
	}
	if b.host == nil || b.device == nil {
		return nil
	}
	data := b.device.Bytes()
	n := b.size * sizeOf[T]()
	if data != nil {
		copy(data[:n], bytesOf(b.host[:b.size]))
	} else {
		return fmt.Errorf("%w: %s: device buffer not host-visible", ErrResource, b.name)
	}
	b.deviceStale = false
	return nil
}

// PrepareForDeviceAccessCmd is the fused variant of
// PrepareForDeviceAccess, for use immediately before a compute
// dispatch in the same command buffer: the upload itself is an
// immediate copy through the device buffer's host mapping, and a
// transfer-write to shader-read barrier is recorded into cmd.
// A device buffer without a host mapping is an ErrResource error.
func (b *Buffer[T]) PrepareForDeviceAccessCmd(cmd accel.CmdBuffer, outputOnly bool) error {
	if err := b.ensureDevice(); err != nil {
		return err
	}
	if !outputOnly && b.deviceStale && b.host != nil && b.device != nil {
		if b.device.Bytes() == nil {
			return fmt.Errorf("%w: %s: device buffer not host-visible", ErrResource, b.name)
		}
		// Host holds the fresh copy. The "transfer" is simply a
		// memcpy, still gated by the same barrier discipline a real
		// device-local upload would need.
		n := b.size * sizeOf[T]()
		copy(b.device.Bytes()[:n], bytesOf(b.host[:b.size]))
	}
	cmd.Barrier(accel.Barrier{
		SyncBefore:   accel.SCopy,
		SyncAfter:    accel.SComputeShading,
		AccessBefore: accel.ACopyWrite,
		AccessAfter:  accel.AShaderRead,
	})
	b.deviceStale = false
	return nil
}

// Destroy releases all host and device resources associated with
// the buffer.
func (b *Buffer[T]) Destroy() {
	b.freeHost()
	b.freeDevice()
	if b.file != nil {
		name := b.file.Name()
		b.file.Close()
		os.Remove(name)
		b.file = nil
	}
	b.size, b.cap = 0, 0
	b.config = ConfigNull
}

// HostOnly is a simplified DualResidentBuffer for sample types that
// are not trivially copyable (digital-bus dynamic arrays, protocol
// symbol records): the spec forces the device hint to Never for
// such types, which collapses the whole residency machinery down to
// a plain growable host slice.
type HostOnly[T any] struct {
	name string
	data []T
}

// NewHostOnly creates an empty HostOnly buffer.
func NewHostOnly[T any](name string) *HostOnly[T] { return &HostOnly[T]{name: name} }

func (b *HostOnly[T]) Name() string   { return b.name }
func (b *HostOnly[T]) Size() int      { return len(b.data) }
func (b *HostOnly[T]) Cap() int       { return cap(b.data) }
func (b *HostOnly[T]) Host() []T      { return b.data }
func (b *HostOnly[T]) At(i int) T     { return b.data[i] }
func (b *HostOnly[T]) Set(i int, v T) { b.data[i] = v }

func (b *HostOnly[T]) Resize(n int) error {
	if n < 0 {
		return errors.New("dualbuf: negative size")
	}
	if n <= cap(b.data) {
		b.data = b.data[:n]
		return nil
	}
	nd := make([]T, n)
	copy(nd, b.data)
	b.data = nd
	return nil
}

func (b *HostOnly[T]) PushBack(v T) { b.data = append(b.data, v) }
func (b *HostOnly[T]) Clear()       { b.data = b.data[:0] }
func (b *HostOnly[T]) Destroy()     { b.data = nil }
