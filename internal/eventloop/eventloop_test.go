package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/Mic92/vmsh/internal/trap"
	"github.com/Mic92/vmsh/internal/virtio"
)

// fakeEngine is a minimal trap.Engine double: one shared channel, no real
// backend fds, exercising only the contract dispatch relies on.
type fakeEngine struct {
	events  chan trap.MmioEvent
	acked   []trap.MmioEvent
	ackVals []uint64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan trap.MmioEvent, 8)}
}

func (e *fakeEngine) Register(trap.Range) (<-chan trap.MmioEvent, error) { return e.events, nil }

func (e *fakeEngine) AckRead(ev trap.MmioEvent, value uint64) error {
	e.acked = append(e.acked, ev)
	e.ackVals = append(e.ackVals, value)
	return nil
}

func (e *fakeEngine) Unregister(trap.Range) error { return nil }

func (e *fakeEngine) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (e *fakeEngine) Close() error { return nil }

// nullBackend is a no-op virtio.Backend whose config space toggles a single
// byte so reads/writes are observable without a full device negotiation.
type nullBackend struct {
	configByte byte
}

func (b *nullBackend) DeviceID() uint32        { return 42 }
func (b *nullBackend) Features() uint64        { return 0 }
func (b *nullBackend) NumQueues() int          { return 1 }
func (b *nullBackend) QueueMaxSize(int) uint16 { return 8 }
func (b *nullBackend) WriteConfig(_ uint64, data []byte) {
	if len(data) > 0 {
		b.configByte = data[0]
	}
}
func (b *nullBackend) ReadConfig(_ uint64, data []byte) {
	if len(data) > 0 {
		data[0] = b.configByte
	}
}
func (b *nullBackend) QueueNotify(int, *virtio.Queue) error { return nil }
func (b *nullBackend) OnDriverOK()                          {}

func TestDispatchRoutesWriteThenRead(t *testing.T) {
	const base = 0x1000
	backend := &nullBackend{}
	dev := virtio.NewDevice(base, 0x1000, backend, nil)

	engine := newFakeEngine()
	loop := New(engine)
	if err := loop.AddDevice(dev, func() {}, trap.DirectionBoth); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	configAddr := uint64(base + 0x100) // RegConfig offset
	engine.events <- trap.MmioEvent{GPA: configAddr, Len: 1, Direction: trap.DirectionWrite, Value: 0x7a}

	deadline := time.After(time.Second)
	for {
		if backend.configByte == 0x7a {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for write to reach backend")
		case <-time.After(time.Millisecond):
		}
	}

	engine.events <- trap.MmioEvent{GPA: configAddr, Len: 1, Direction: trap.DirectionRead}

	for {
		if len(engine.acked) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for AckRead")
		case <-time.After(time.Millisecond):
		}
	}
	if engine.ackVals[0]&0xff != 0x7a {
		t.Fatalf("expected acked value 0x7a, got %#x", engine.ackVals[0])
	}

	loop.Shutdown()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestDispatchUnknownRangeLogsAndContinues(t *testing.T) {
	backend := &nullBackend{}
	dev := virtio.NewDevice(0x1000, 0x1000, backend, nil)

	engine := newFakeEngine()
	loop := New(engine)
	if err := loop.AddDevice(dev, func() {}, trap.DirectionBoth); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Outside dev's window: handle() returns an error internally, logged
	// and dropped; the loop must keep running afterward.
	engine.events <- trap.MmioEvent{GPA: 0xdead0000, Len: 1, Direction: trap.DirectionWrite}

	configAddr := uint64(0x1000 + 0x100)
	engine.events <- trap.MmioEvent{GPA: configAddr, Len: 1, Direction: trap.DirectionWrite, Value: 0x5}

	deadline := time.After(time.Second)
	for {
		if backend.configByte == 0x5 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("loop stalled after an unroutable event")
		case <-time.After(time.Millisecond):
		}
	}

	loop.Shutdown()
	cancel()
	<-done
}
