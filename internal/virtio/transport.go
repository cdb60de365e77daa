// Package virtio implements the virtio-mmio v1.0 transport and the block
// and console device backends VMSH injects into the target guest (§4.6).
// Unlike a hypervisor that creates its own devices ahead of boot, VMSH
// injects the transport's register map into guest-physical pages it chose
// at attach time and feeds it from the Trap Engine's MmioEvent stream, so
// the device-state machine here has no host-side "create the VM with this
// device" entry point — only Register/HandleRead/HandleWrite driven by
// whatever backend (wrap_syscall or ioregionfd) is wired up.
package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// Transport register offsets, virtio-mmio v1.0 (modern only; VMSH never
// advertises the legacy interface).
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100

	magicValue  = 0x74726976 // "virt"
	mmioVersion = 2          // modern transport

	featureVersion1 = uint64(1) << 32

	// InterruptVring / InterruptConfig are the INTERRUPT_STATUS bits.
	InterruptVring  = 1 << 0
	InterruptConfig = 1 << 1
)

// DeviceStatus mirrors the virtio device-status byte state machine named in
// the distilled spec's §4.6 (FRESH -> ACK -> DRIVER -> FEATURES_OK ->
// DRIVER_OK -> {RUNNING, FAILED}).
type DeviceStatus uint32

const (
	StatusAcknowledge DeviceStatus = 1 << 0
	StatusDriver      DeviceStatus = 1 << 1
	StatusFailed      DeviceStatus = 1 << 7
	StatusFeaturesOK  DeviceStatus = 1 << 3
	StatusDriverOK    DeviceStatus = 1 << 2
	StatusNeedsReset  DeviceStatus = 1 << 6
)

// BoundsChecker is implemented by GuestMem accessors that can answer whether
// a guest-physical range is wholly covered by a registered memslot.
// internal/guestmem.Region satisfies this; it is what RegQueueReady uses to
// enforce the invariant that a queue's desc/avail/used tables live wholly
// inside guest memory before the queue is allowed to go ready.
type BoundsChecker interface {
	Contains(gpa uint64, length uint64) bool
}

// Backend is the device-specific half of a transport: config space,
// per-queue semantics, and what to do when the driver notifies a queue.
type Backend interface {
	DeviceID() uint32
	Features() uint64
	NumQueues() int
	QueueMaxSize(idx int) uint16
	// ReadConfig/WriteConfig access the device-specific config space
	// starting at RegConfig.
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)
	// QueueNotify is called once a queue's avail ring has new descriptors;
	// implementations process what they can without blocking the trap
	// engine's event loop goroutine. A non-nil return means the backend hit
	// an InvariantViolated condition while processing the queue (an illegal
	// chain, a descriptor-direction violation); the Device marks itself
	// FAILED but the session and every other device keep running.
	QueueNotify(idx int, q *Queue) error
	// OnDriverOK runs once the driver has completed feature negotiation,
	// a natural place to validate negotiated features per device.
	OnDriverOK()
}

// QueueBinder is implemented by backends that need direct guest-memory
// access to their own queues (both Blk and Console do). The Device calls
// BindQueues once the driver sets FEATURES_OK, passing every queue NewDevice
// allocated for the backend's declared NumQueues — Blk uses queues[0],
// Console uses queues[0] (receive) and queues[1] (transmit).
type QueueBinder interface {
	BindQueues(queues []*Queue, mem GuestMem, features uint64)
}

// Device is one virtio-mmio transport instance: the register file plus its
// negotiated state and queues, backed by a Backend.
type Device struct {
	mu sync.Mutex

	base uint64
	size uint64

	backend Backend
	mem     GuestMem

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   [2]uint32

	queueSel uint32
	queues   []*Queue

	interruptStatus atomic.Uint32
	status          DeviceStatus
	configGen       uint32

	// RaiseIRQ is supplied by the caller (the eventloop, via an IrqFd) and
	// invoked whenever RaiseInterrupt sets an InterruptStatus bit that was
	// clear.
	RaiseIRQ func()
}

// NewDevice builds a transport over the given guest-physical window,
// sized per virtio-mmio convention (a single 4 KiB page is enough for every
// device VMSH injects). mem is the guest-physical memory accessor handed to
// the backend's queues once the driver reaches FEATURES_OK; it may be nil
// for backends with no queues to bind (NumQueues() == 0).
func NewDevice(base, size uint64, backend Backend, mem GuestMem) *Device {
	d := &Device{base: base, size: size, backend: backend, mem: mem}
	n := backend.NumQueues()
	d.queues = make([]*Queue, n)
	for i := range d.queues {
		d.queues[i] = &Queue{maxSize: backend.QueueMaxSize(i)}
	}
	return d
}

// Base and Size report the device's MMIO window, for MmioRange registration
// with the Trap Engine.
func (d *Device) Base() uint64 { return d.base }
func (d *Device) Size() uint64 { return d.size }

// Contains reports whether addr falls inside this device's MMIO window.
func (d *Device) Contains(addr uint64, length uint64) bool {
	return addr >= d.base && addr+length <= d.base+d.size
}

// HandleRead services a trapped MMIO read, called with addr already known
// to satisfy Contains.
func (d *Device) HandleRead(addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("virtio: unsupported mmio read length %d", len(data))
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := addr - d.base
	if offset >= RegConfig {
		d.backend.ReadConfig(offset-RegConfig, data)
		return nil
	}

	value, err := d.readRegister(offset)
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
	return nil
}

// HandleWrite services a trapped MMIO write.
func (d *Device) HandleWrite(addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("virtio: unsupported mmio write length %d", len(data))
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := addr - d.base
	if offset >= RegConfig {
		d.backend.WriteConfig(offset-RegConfig, data)
		return nil
	}

	value := binary.LittleEndian.Uint32(pad8(data)[:4])
	return d.writeRegister(offset, value)
}

func pad8(data []byte) []byte {
	buf := make([]byte, 8)
	copy(buf, data)
	return buf
}

func (d *Device) readRegister(offset uint64) (uint32, error) {
	switch offset {
	case RegMagicValue:
		return magicValue, nil
	case RegVersion:
		return mmioVersion, nil
	case RegDeviceID:
		return d.backend.DeviceID(), nil
	case RegVendorID:
		return 0x554d4551, nil // arbitrary, matches no real vendor
	case RegDeviceFeatures:
		features := d.backend.Features() | featureVersion1
		if d.deviceFeatureSel == 0 {
			return uint32(features), nil
		}
		return uint32(features >> 32), nil
	case RegQueueNumMax:
		if q := d.currentQueue(); q != nil {
			return uint32(q.maxSize), nil
		}
		return 0, nil
	case RegQueueReady:
		if q := d.currentQueue(); q != nil && q.ready {
			return 1, nil
		}
		return 0, nil
	case RegInterruptStatus:
		return d.interruptStatus.Load(), nil
	case RegStatus:
		return uint32(d.status), nil
	case RegConfigGeneration:
		return d.configGen, nil
	default:
		return 0, nil
	}
}

func (d *Device) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case RegDeviceFeaturesSel:
		d.deviceFeatureSel = value
	case RegDriverFeaturesSel:
		d.driverFeatureSel = value
	case RegDriverFeatures:
		if d.driverFeatureSel < uint32(len(d.driverFeatures)) {
			d.driverFeatures[d.driverFeatureSel] = value
		}
	case RegQueueSel:
		d.queueSel = value
	case RegQueueNum:
		if q := d.currentQueue(); q != nil {
			if value > uint32(q.maxSize) {
				q.RecordViolation()
				return d.markFailedLocked(fmt.Errorf("queue %d requested size %d exceeds max %d", d.queueSel, value, q.maxSize))
			}
			if value == 0 || value > 32768 || value&(value-1) != 0 {
				q.RecordViolation()
				return d.markFailedLocked(fmt.Errorf("queue %d requested size %d is not a power of two <= 32768", d.queueSel, value))
			}
			q.size = uint16(value)
		}
	case RegQueueReady:
		if q := d.currentQueue(); q != nil {
			if value != 0 {
				if !d.queueLayoutValid(q) {
					q.RecordViolation()
					q.ready = false
					return d.markFailedLocked(fmt.Errorf("queue %d desc/avail/used tables are not wholly inside guest memory", d.queueSel))
				}
				q.ready = true
			} else {
				q.ready = false
			}
		}
	case RegQueueDescLow:
		d.withQueue(func(q *Queue) { q.descAddr = setLow(q.descAddr, value) })
	case RegQueueDescHigh:
		d.withQueue(func(q *Queue) { q.descAddr = setHigh(q.descAddr, value) })
	case RegQueueAvailLow:
		d.withQueue(func(q *Queue) { q.availAddr = setLow(q.availAddr, value) })
	case RegQueueAvailHigh:
		d.withQueue(func(q *Queue) { q.availAddr = setHigh(q.availAddr, value) })
	case RegQueueUsedLow:
		d.withQueue(func(q *Queue) { q.usedAddr = setLow(q.usedAddr, value) })
	case RegQueueUsedHigh:
		d.withQueue(func(q *Queue) { q.usedAddr = setHigh(q.usedAddr, value) })
	case RegQueueNotify:
		idx := int(value)
		if idx >= 0 && idx < len(d.queues) {
			if err := d.backend.QueueNotify(idx, d.queues[idx]); err != nil {
				return d.markFailedLocked(err)
			}
		}
	case RegInterruptAck:
		for {
			prev := d.interruptStatus.Load()
			next := prev &^ value
			if d.interruptStatus.CompareAndSwap(prev, next) {
				break
			}
		}
	case RegStatus:
		if value == 0 {
			d.reset()
			return nil
		}
		prev := d.status
		d.status = DeviceStatus(value)

		if prev&StatusFeaturesOK == 0 && d.status&StatusFeaturesOK != 0 {
			if binder, ok := d.backend.(QueueBinder); ok && len(d.queues) > 0 {
				features := uint64(d.driverFeatures[0]) | uint64(d.driverFeatures[1])<<32
				binder.BindQueues(d.queues, d.mem, features)
			}
		}
		if prev&StatusDriverOK == 0 && d.status&StatusDriverOK != 0 {
			d.backend.OnDriverOK()
		}
	default:
		slog.Debug("virtio: write to unhandled register", "offset", fmt.Sprintf("%#x", offset), "value", value)
	}
	return nil
}

// MarkFailed transitions the device to FAILED: the host-side half of "all
// InvariantViolated cases mark the device FAILED but keep the rest of the
// session running." The transport keeps answering reads/writes afterward (a
// driver is expected to observe FAILED via RegStatus and reset), but this
// device's queues are no longer serviced. It returns a vmerr.Invariant
// wrapping cause for the caller to log or propagate.
func (d *Device) MarkFailed(cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markFailedLocked(cause)
}

func (d *Device) markFailedLocked(cause error) error {
	d.status |= StatusFailed
	err := vmerr.Invariant("device at %#x failed: %v", d.base, cause)
	slog.Error("virtio: device marked failed", "base", fmt.Sprintf("%#x", d.base), "err", cause)
	return err
}

// queueLayoutValid reports whether q's negotiated desc/avail/used tables
// each lie wholly inside guest memory, the invariant RegQueueReady must
// enforce before letting a queue go live. A nil mem, or one that doesn't
// implement BoundsChecker, can't be validated and is rejected.
func (d *Device) queueLayoutValid(q *Queue) bool {
	checker, ok := d.mem.(BoundsChecker)
	if !ok || q.size == 0 {
		return false
	}
	descLen := uint64(q.size) * 16
	availLen := 4 + uint64(q.size)*2 + 2
	usedLen := 4 + uint64(q.size)*8 + 2
	return checker.Contains(q.descAddr, descLen) &&
		checker.Contains(q.availAddr, availLen) &&
		checker.Contains(q.usedAddr, usedLen)
}

func (d *Device) currentQueue() *Queue {
	if int(d.queueSel) < len(d.queues) {
		return d.queues[d.queueSel]
	}
	return nil
}

func (d *Device) withQueue(f func(*Queue)) {
	if q := d.currentQueue(); q != nil {
		f(q)
	}
}

func (d *Device) reset() {
	d.status = 0
	d.interruptStatus.Store(0)
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = [2]uint32{}
	for _, q := range d.queues {
		*q = Queue{maxSize: q.maxSize}
	}
}

// RaiseInterrupt sets status bit and invokes RaiseIRQ, the bridge from a
// completed queue request back to the guest: whatever drove HandleWrite
// (the event loop, servicing a QueueNotify) calls this once a used-ring
// entry is ready.
func (d *Device) RaiseInterrupt(bit uint32) {
	prev := d.interruptStatus.Load()
	for {
		next := prev | bit
		if d.interruptStatus.CompareAndSwap(prev, next) {
			break
		}
		prev = d.interruptStatus.Load()
	}
	if prev&bit == 0 && d.RaiseIRQ != nil {
		d.RaiseIRQ()
	}
}

func setLow(addr uint64, v uint32) uint64  { return (addr &^ 0xffffffff) | uint64(v) }
func setHigh(addr uint64, v uint32) uint64 { return (addr & 0xffffffff) | uint64(v)<<32 }
