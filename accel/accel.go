// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package accel defines a set of interfaces encompassing the
// accelerator (GPU) functionality that the waveform compute core
// depends on: command buffers, fences, buffers, shader pipelines
// and descriptor tables. It is the compute-only subset of a full
// GPU abstraction — no render passes, framebuffers or graphics
// pipeline state, since rendering is an external collaborator
// (see the package's parent module documentation).
package accel

import (
	"errors"
	"log"
	"sync"
)

// Driver is the interface that provides methods for loading and
// unloading an underlying accelerator backend.
type Driver interface {
	// Open initializes the driver. If it succeeds, further calls
	// with the same receiver have no effect and must return the
	// same GPU instance.
	Open() (GPU, error)

	// Name returns the name of the driver. It must not cause the
	// driver to be opened.
	Name() string

	// Close deinitializes the driver. Closing a driver that is
	// not open has no effect.
	Close()
}

// ErrNotInstalled means that a platform-specific library required
// for the driver to work is not present in the system.
var ErrNotInstalled = errors.New("accel: missing required library")

// ErrNoDevice means that no suitable device could be found.
var ErrNoDevice = errors.New("accel: no suitable device found")

// ErrNoHostMemory means that host memory could not be allocated.
var ErrNoHostMemory = errors.New("accel: out of host memory")

// ErrNoDeviceMemory means that device memory could not be allocated.
var ErrNoDeviceMemory = errors.New("accel: out of device memory")

// ErrFatal means that the driver is in an unrecoverable state.
// Upon encountering such an error, the application must destroy
// everything it created using the driver's GPU and then call
// Driver.Close. It may call Open again to reinitialize.
var ErrFatal = errors.New("accel: fatal error")

// Drivers returns the registered Drivers.
// Client code imports specific driver packages and calls this
// function from init. Drivers that do not register themselves
// on init are not considered for selection.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Register registers a Driver. Implementations are expected to
// call Register exactly once, from an init function. If a driver
// with the same name was already registered, it is replaced.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			log.Printf("[!] accel driver '%s' replaced", drv.Name())
			return
		}
	}
	drivers = append(drivers, drv)
	log.Printf("accel driver '%s' registered", drv.Name())
}

var (
	mu      sync.Mutex
	drivers []Driver = make([]Driver, 0, 1)
)

// Cap is a mask of optional device capabilities that filters
// branch on when deciding between a GPU fast path and a CPU
// fallback.
type Cap int

// Capabilities.
const (
	// CapInt64 indicates support for 64-bit integer arithmetic
	// in shaders, required by the three-kernel LevelCrossingDetector
	// pipeline, the block-parallel PLL fast path, and the TIE fast path.
	CapInt64 Cap = 1 << iota
	// CapAtomicInt64 indicates support for atomic operations on
	// 64-bit integers, required by the eye-pattern GPU
	// integration path.
	CapAtomicInt64
	// CapPushDescriptor indicates support for push descriptors,
	// required by CouplerDeEmbed.
	CapPushDescriptor
	// CapNone is the empty capability set.
	CapNone Cap = 0
)

// Has reports whether c contains all of the bits in want.
func (c Cap) Has(want Cap) bool { return c&want == want }

// QueueFlag is a mask of the kinds of work a queue family can
// execute.
type QueueFlag int

// Queue flags.
const (
	QCompute QueueFlag = 1 << iota
	QTransfer
	QGraphics
	QNone QueueFlag = 0
)

// QueueFamily describes one family of queues exposed by a GPU.
type QueueFamily struct {
	Flags QueueFlag
	Count int
}

// GPU is the main interface to an underlying accelerator.
// It is used to create other types and to execute commands.
// A GPU is obtained from a call to Driver.Open.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// Caps returns the optional capabilities supported by the
	// device. They are immutable for the lifetime of the GPU.
	Caps() Cap

	// QueueFamilies returns the queue families exposed by the
	// device, in implementation-defined order.
	QueueFamilies() []QueueFamily

	// NewQueue creates a new queue from the given family index.
	NewQueue(family int) (Queue, error)

	// Commit commits a batch of command buffers for execution on
	// q. Command buffers cannot be recorded into until the
	// returned Fence signals.
	Commit(q Queue, cb []CmdBuffer) (Fence, error)

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewShaderCode creates a new shader binary from SPIR-V (or,
	// on the software backend, from a registered kernel name
	// matching path).
	NewShaderCode(path string, data []byte) (ShaderCode, error)

	// NewDescHeap creates a new descriptor heap.
	NewDescHeap(layout DescLayout) (DescHeap, error)

	// NewPipeline creates a new compute pipeline.
	NewPipeline(state *CompState) (Pipeline, error)

	// NewBuffer creates a new buffer. visible indicates whether
	// host access is required.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// DeviceUUID returns a 16-byte identifier unique to the
	// physical device, used as part of the pipeline-cache key.
	DeviceUUID() [16]byte

	// DriverVersion returns an opaque, monotonically comparable
	// driver version number, used as part of the pipeline-cache
	// key.
	DriverVersion() uint32
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be called
// explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// Queue is a single accelerator submission queue. It is not safe
// for concurrent use directly — callers go through queue.Handle,
// which serializes access.
type Queue interface {
	Destroyer

	// Flags returns the capability flags of the family this
	// queue was created from.
	Flags() QueueFlag
}

// Fence is a GPU-side synchronization primitive signaled when a
// committed batch completes execution.
type Fence interface {
	// Wait blocks until the fence signals, returning any error
	// recorded during execution of the associated batch.
	Wait() error

	// Done reports whether the fence has already signaled,
	// without blocking.
	Done() bool
}

// CmdBuffer is the interface that defines a command buffer.
// Commands for compute work and data transfer are recorded into
// logical blocks:
//
//	1. call Begin
//	2. call BeginWork/BeginBlit
//	3. call Set*/Dispatch/Copy*/Fill as appropriate
//	4. call EndWork/EndBlit
//	5. repeat 2-4 as needed
//	6. call End and, if it succeeds, GPU.Commit
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording.
	Begin() error

	// IsRecording reports whether the command buffer is between
	// Begin and End.
	IsRecording() bool

	// BeginWork begins compute work. Dispatch commands issued
	// before the matching EndWork may run in parallel.
	BeginWork()

	// EndWork ends the current compute work.
	EndWork()

	// BeginBlit begins data transfer.
	BeginBlit()

	// EndBlit ends the current data transfer.
	EndBlit()

	// SetPipeline sets the compute pipeline.
	SetPipeline(pl Pipeline)

	// SetDescTable binds a descriptor heap directly (push
	// descriptor) or a resident descriptor set (non-push),
	// depending on the pipeline's layout mode.
	SetDescTable(dh DescHeap)

	// PushConstants records push-constant data for the bound
	// pipeline.
	PushConstants(data []byte)

	// Dispatch dispatches compute thread groups. It must only be
	// called during compute work.
	Dispatch(grpCountX, grpCountY, grpCountZ int)

	// CopyBuffer copies data between buffers. It must only be
	// called during data transfer.
	CopyBuffer(param *BufferCopy)

	// Barrier inserts a memory barrier in the command buffer.
	Barrier(b Barrier)

	// End ends command recording and prepares the command buffer
	// for execution. Upon failure, the command buffer is reset.
	End() error

	// Reset discards all recorded commands.
	Reset() error
}

// BufferCopy describes the parameters of a copy command that
// copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	SComputeShading Sync = 1 << iota
	SCopy
	SHost
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	AShaderRead Access = 1 << iota
	AShaderWrite
	ACopyRead
	ACopyWrite
	AHostRead
	AHostWrite
	ANone Access = 0
)

// Barrier represents a synchronization barrier between two
// groups of commands recorded in the same command buffer.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// ShaderCode is the interface that defines a shader binary for
// execution in the compute pipeline stage.
type ShaderCode interface {
	Destroyer

	// Path returns the path (or registered kernel name) the
	// shader code was created from. Used as part of the
	// pipeline-cache key.
	Path() string
}

// DescType is the type of a descriptor.
type DescType int

// Descriptor types.
const (
	// Read/write storage buffer.
	DBuffer DescType = iota
	// Read/write storage image.
	DImage
	// Sampled (read-only) image.
	DSampledImage
)

// Descriptor describes one binding's worth of data for use in a
// compute shader.
type Descriptor struct {
	Type DescType
	Nr   int
	Len  int
}

// DescLayout describes the descriptor-set layout of a compute
// pipeline, derived from (N storage buffers, M storage images,
// K sampled images), laid out sequentially at bindings
// [0, N) | [N, N+M) | [N+M, N+M+K).
type DescLayout struct {
	NumBuffers       int
	NumStorageImages int
	NumSampledImages int
	// PushConstSize is the size in bytes of the push-constant
	// block used by the pipeline built from this layout.
	PushConstSize int
}

// DescHeap is the interface that defines a concrete set of
// descriptor bindings for use in a compute pipeline dispatch.
type DescHeap interface {
	Destroyer

	// SetBuffer binds buf at descriptor Nr (relative to the
	// storage-buffer range).
	SetBuffer(nr int, buf Buffer, off, size int64)

	// SetImage binds img at descriptor Nr (relative to the
	// storage/sampled-image range, Nr already offset by
	// NumBuffers/NumStorageImages as appropriate by the caller).
	SetImage(nr int, img Image)
}

// CompState defines the state of a compute pipeline: a single
// compute shader and the descriptor-set layout describing the
// resources it accesses.
type CompState struct {
	Func   ShaderCode
	Layout DescLayout
}

// Pipeline is the interface that defines a GPU compute pipeline.
type Pipeline interface {
	Destroyer

	// PushDescriptor reports whether this pipeline's descriptor
	// layout uses push descriptors (true) or a resident,
	// UpdateAfterBind descriptor pool (false).
	PushDescriptor() bool
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Image.
const (
	UShaderRead Usage = 1 << iota
	UShaderWrite
	UCopySrc
	UCopyDst
	UGeneric Usage = 1<<iota - 1
)

// Buffer is the interface that defines a GPU buffer. The size of
// the buffer is fixed — a larger buffer requires a new allocation
// and an explicit copy.
type Buffer interface {
	Destroyer

	// Visible returns whether the buffer is host visible.
	// Non-visible memory cannot be accessed by the CPU.
	Visible() bool

	// Bytes returns a slice of length Cap referring to the
	// underlying data. If the buffer is not host visible, it
	// returns nil. The slice is valid for the lifetime of the
	// buffer.
	Bytes() []byte

	// Cap returns the capacity of the buffer in bytes, which may
	// be greater than the size requested during creation. This
	// value is immutable.
	Cap() int64
}

// Image is a minimal 2-D storage image, used only by filters that
// rasterize bitmaps on the device (none in the representative set
// currently dispatch against it, but the interface is retained so
// DescHeap.SetImage has a concrete type to bind).
type Image interface {
	Destroyer

	Width() int
	Height() int
}
