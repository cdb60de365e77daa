package virtio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mic92/vmsh/internal/vmerr"
)

const (
	consoleQueueCount = 2
	consoleQueueSize  = 256

	queueReceive  = 0 // host -> guest (driver reads)
	queueTransmit = 1 // guest -> host (driver writes)

	consoleInterruptBit = InterruptVring

	// pendingCap bounds how many pty bytes Console buffers for the guest's
	// receive queue before enqueue starts dropping the oldest, the edge case
	// named for console backpressure: "buffer pty bytes up to a fixed cap,
	// then drop oldest with a warning counter."
	pendingCap = 1 << 20
)

// Console is the virtio-console backend bridging a target's injected hvc
// device to a local pty (§2 "opens a pty pair and exposes the guest side as
// a virtio-console device", §4.8 VMSH_CONSOLE_PATH).
type Console struct {
	mu      sync.Mutex
	pending []byte
	dropped uint64

	out io.Writer // host side of the pty, what the guest's stdout/stderr lands in
	in  io.Reader // host side of the pty, what the guest's stdin is read from

	limiter *rate.Limiter

	rxQueue *Queue // bound by BindQueues, used by the input-reader goroutine

	inputCancel context.CancelFunc
	inputDone   chan struct{}

	// OnInvariantViolation, if set, is invoked when the background input
	// reader's fillReceive call fails a chain. Every other InvariantViolated
	// path returns through a RegQueueNotify write and reaches the owning
	// Device that way; this is the one path that doesn't, since nothing
	// guest-driven triggers it.
	OnInvariantViolation func(error)
}

// NewConsole wraps the host ends of a pty. limiterRate/limiterBurst of zero
// selects a permissive default (1<<20 tokens/s, burst 1<<18). The limiter
// paces the pty input reader only: readInput takes one token per pty read
// of up to 4096 bytes, so the limit counts reads rather than bytes, and
// guest output drained to the pty is not rate-limited.
func NewConsole(out io.Writer, in io.Reader, limiterRate rate.Limit, limiterBurst int) *Console {
	if limiterRate == 0 {
		limiterRate = rate.Limit(1 << 20)
		limiterBurst = 1 << 18
	}
	return &Console{
		out:     out,
		in:      in,
		limiter: rate.NewLimiter(limiterRate, limiterBurst),
	}
}

func (c *Console) DeviceID() uint32 { return 3 } // virtio_console

func (c *Console) Features() uint64 { return 1 << 0 } // VIRTIO_CONSOLE_F_SIZE

func (c *Console) NumQueues() int { return consoleQueueCount }

func (c *Console) QueueMaxSize(int) uint16 { return consoleQueueSize }

func (c *Console) ReadConfig(offset uint64, data []byte) {
	// cols/rows (virtio_console_config), VMSH reports a fixed 80x25 and
	// lets the guest's own tty layer resize via ioctl once stage2 execs.
	var buf [4]byte
	buf[0], buf[1] = 80, 0
	buf[2], buf[3] = 25, 0
	if offset >= uint64(len(buf)) {
		return
	}
	n := copy(data, buf[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (c *Console) WriteConfig(uint64, []byte) {}

func (c *Console) OnDriverOK() {
	c.StartInputReader()
}

// BindQueues gives both queues the guest-memory accessor; the Device calls
// this once FEATURES_OK completes, mirroring Blk.BindQueues.
func (c *Console) BindQueues(queues []*Queue, mem GuestMem, features uint64) {
	queues[queueReceive].Bind(mem, features)
	queues[queueTransmit].Bind(mem, features)
	c.rxQueue = queues[queueReceive]
}

// QueueNotify handles guest notifications on either queue: transmit drains
// guest output to the pty; receive is driven both here (in case the guest
// published new descriptors after VMSH already had pending bytes) and from
// StartInputReader's goroutine.
func (c *Console) QueueNotify(idx int, q *Queue) error {
	switch idx {
	case queueTransmit:
		return c.drainTransmit(q)
	case queueReceive:
		return c.fillReceive(q)
	}
	return nil
}

func (c *Console) drainTransmit(q *Queue) error {
	var firstErr error
	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			slog.Error("virtio-console: pop avail (tx)", "err", err)
			return err
		}
		if !ok {
			return firstErr
		}

		chain, err := q.ReadChain(head)
		if err != nil {
			slog.Error("virtio-console: read chain (tx)", "err", err, "fail_err", chain.FailERR)
			if firstErr == nil {
				firstErr = vmerr.Invariant("virtio-console: tx chain head=%d: %v", head, err)
			}
			continue
		}

		// A chain that writes to a read-only-for-the-driver descriptor is
		// abandoned outright rather than processed partially: §4.6 fails the
		// whole chain on a direction violation, not just the bad entry.
		var total uint32
		violated := false
		for _, d := range chain.Buffers {
			if d.Flags&descFWrite != 0 {
				slog.Error("virtio-console: writable descriptor in transmit chain, aborting chain", "head", head)
				violated = true
				break
			}
			if d.Length == 0 {
				continue
			}
			buf := make([]byte, d.Length)
			if err := q.ReadGuest(d.Addr, buf); err != nil {
				slog.Error("virtio-console: read guest (tx)", "err", err)
				break
			}
			if _, err := c.out.Write(buf); err != nil {
				slog.Error("virtio-console: write pty", "err", err)
				break
			}
			total += d.Length
		}
		if violated {
			q.RecordViolation()
			total = 0
			if firstErr == nil {
				firstErr = vmerr.Invariant("virtio-console: tx chain head=%d wrote to a read-only descriptor", head)
			}
		}

		if _, err := q.PushUsed(head, total); err != nil {
			slog.Error("virtio-console: push used (tx)", "err", err)
			return err
		}
	}
}

func (c *Console) fillReceive(q *Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for len(c.pending) > 0 {
		head, ok, err := q.PopAvail()
		if err != nil {
			slog.Error("virtio-console: pop avail (rx)", "err", err)
			return err
		}
		if !ok {
			return firstErr
		}

		chain, err := q.ReadChain(head)
		if err != nil {
			slog.Error("virtio-console: read chain (rx)", "err", err, "fail_err", chain.FailERR)
			if firstErr == nil {
				firstErr = vmerr.Invariant("virtio-console: rx chain head=%d: %v", head, err)
			}
			continue
		}

		// Same rule as drainTransmit: a read-only descriptor offered for a
		// receive buffer fails the whole chain instead of the one entry.
		var written uint32
		consumed := 0
		violated := false
		for _, d := range chain.Buffers {
			if consumed >= len(c.pending) {
				break
			}
			if d.Flags&descFWrite == 0 {
				slog.Error("virtio-console: read-only descriptor in receive chain, aborting chain", "head", head)
				violated = true
				break
			}
			toCopy := int(d.Length)
			if remaining := len(c.pending) - consumed; toCopy > remaining {
				toCopy = remaining
			}
			if toCopy == 0 {
				continue
			}
			if err := q.WriteGuest(d.Addr, c.pending[consumed:consumed+toCopy]); err != nil {
				slog.Error("virtio-console: write guest (rx)", "err", err)
				break
			}
			written += uint32(toCopy)
			consumed += toCopy
		}
		if violated {
			q.RecordViolation()
			written = 0
			consumed = 0
			if firstErr == nil {
				firstErr = vmerr.Invariant("virtio-console: rx chain head=%d offered a read-only descriptor", head)
			}
		}
		c.pending = c.pending[consumed:]

		if _, err := q.PushUsed(head, written); err != nil {
			slog.Error("virtio-console: push used (rx)", "err", err)
			return err
		}
	}
	return firstErr
}

// enqueue appends freshly read pty bytes to the pending buffer, dropping
// the oldest bytes past pendingCap rather than blocking the reader thread.
func (c *Console) enqueue(data []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, data...)
	if over := len(c.pending) - pendingCap; over > 0 {
		c.pending = c.pending[over:]
		c.dropped += uint64(over)
		slog.Warn("virtio-console: dropped oldest pty bytes past cap", "dropped_total", c.dropped)
	}
	c.mu.Unlock()
}

// DroppedBytes reports the running total dropped by the backpressure cap.
func (c *Console) DroppedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// StartInputReader begins forwarding pty input into the pending buffer and
// re-invoking QueueNotify(receive) as new bytes arrive; idempotent.
func (c *Console) StartInputReader() {
	if c.in == nil || c.rxQueue == nil || c.inputCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.inputCancel = cancel
	c.inputDone = make(chan struct{})
	go c.readInput(ctx)
}

func (c *Console) readInput(ctx context.Context) {
	defer close(c.inputDone)
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.limiter.WaitN(ctx, 1); err != nil {
			return
		}
		n, err := c.in.Read(buf)
		if n > 0 {
			c.enqueue(append([]byte(nil), buf[:n]...))
			if err := c.fillReceive(c.rxQueue); err != nil {
				slog.Error("virtio-console: fill receive from input reader", "err", err)
				if c.OnInvariantViolation != nil {
					c.OnInvariantViolation(err)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("virtio-console: pty read error", "err", err)
			}
			return
		}
	}
}

// StopInputReader cancels the forwarding goroutine and waits briefly for it
// to exit.
func (c *Console) StopInputReader() {
	if c.inputCancel == nil {
		return
	}
	c.inputCancel()
	select {
	case <-c.inputDone:
	case <-time.After(time.Second):
		slog.Warn("virtio-console: timed out stopping input reader")
	}
	c.inputCancel = nil
}
