package core

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commatea/uartbridge/pkg/logger"
	"github.com/commatea/uartbridge/pkg/metrics"
	"github.com/commatea/uartbridge/pkg/serialport"
)

// Channel is one TCP connection, playing one of four roles (spec.md §3).
type Channel struct {
	id   uint64
	conn net.Conn
	reg  *Registry
	cfg  RuntimeConfig
	log  *logger.Logger

	running atomic.Bool

	mu         sync.Mutex
	role       Role
	cmdBuf     []byte
	serialCfg  serialport.Settings
	uart       *UART
	attachRx   map[uint64]*Channel
	attachTx   map[uint64]*Channel
	ctrlRef    *Channel
	zeroReads  int

	egress *byteQueue
}

func newChannel(id uint64, conn net.Conn, reg *Registry, cfg RuntimeConfig, log *logger.Logger) *Channel {
	ch := &Channel{
		id:        id,
		conn:      conn,
		reg:       reg,
		cfg:       cfg,
		log:       log,
		role:      RoleControl,
		serialCfg: defaultSerialSettings(),
		attachRx:  make(map[uint64]*Channel),
		attachTx:  make(map[uint64]*Channel),
		egress:    newByteQueue(),
	}
	ch.running.Store(true)
	return ch
}

// ID returns the channel's process-unique, monotonically increasing id.
func (ch *Channel) ID() uint64 { return ch.id }

// Role returns the channel's current role.
func (ch *Channel) Role() Role {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.role
}

// RemoteAddr returns the peer address, used for D/S listings.
func (ch *Channel) RemoteAddr() net.Addr { return ch.conn.RemoteAddr() }

func (ch *Channel) isRunning() bool { return ch.running.Load() }

// Stop is the cooperative cancellation signal (spec.md §5): it marks the
// channel for termination. The channel's own egress loop closes the
// socket once its queue has drained, which unblocks a concurrently
// blocked ingress Read on this same channel from any goroutine.
func (ch *Channel) Stop() {
	ch.running.Store(false)
}

// send enqueues data for delivery to the peer. All output — control
// protocol responses as well as sniffed serial bytes — goes through this
// single path so the egress goroutine is the socket's only writer.
func (ch *Channel) send(data []byte) {
	if len(data) == 0 {
		return
	}
	ch.egress.Push(data)
}

func (ch *Channel) sendLine(s string) {
	ch.send([]byte(s))
}

// UART returns the UART this control channel owns, or nil.
func (ch *Channel) UART() *UART {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.uart
}

func (ch *Channel) setUART(u *UART) {
	ch.mu.Lock()
	ch.uart = u
	ch.mu.Unlock()
}

// CtrlRef returns the control channel a data channel is attached to.
func (ch *Channel) CtrlRef() *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ctrlRef
}

// SerialSettings returns a copy of the channel's desired serial configuration.
func (ch *Channel) SerialSettings() serialport.Settings {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.serialCfg
}

func (ch *Channel) setSerialSettings(s serialport.Settings) {
	ch.mu.Lock()
	ch.serialCfg = s
	ch.mu.Unlock()
}

// attachmentCount returns the number of data channels attached to this
// control channel across both attachment sets.
func (ch *Channel) attachmentCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.attachRx) + len(ch.attachTx)
}

// accept implements the attach accept policy from spec.md §4.5: DataTx is
// always accepted; DataRx/DataRxTx is denied while the owned UART is
// exclusive and already has a DataRxTx attached.
func (ch *Channel) accept(role Role) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if role != RoleDataTx && ch.uart != nil && ch.uart.exclusive {
		for c := range ch.attachRx {
			if c.Role() == RoleDataRxTx {
				return false
			}
		}
	}
	return true
}

// rxtxAttachments returns the currently attached DataRxTx channels,
// ordered by id so callers that keep only the first have a deterministic
// choice.
func (ch *Channel) rxtxAttachments() []*Channel {
	ch.mu.Lock()
	var out []*Channel
	for c := range ch.attachRx {
		if c.Role() == RoleDataRxTx {
			out = append(out, c)
		}
	}
	ch.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// attach records data-channel c as attached to control channel ch in the
// role-appropriate attachment set, and becomes c's ctrlRef.
func (ch *Channel) attach(c *Channel, role Role) {
	ch.mu.Lock()
	if role == RoleDataTx {
		ch.attachTx[c.id] = c
	} else {
		ch.attachRx[c.id] = c
	}
	ch.mu.Unlock()

	c.mu.Lock()
	c.role = role
	c.ctrlRef = ch
	c.mu.Unlock()
}

// detach removes data-channel c from whichever attachment set holds it.
func (ch *Channel) detach(c *Channel) {
	ch.mu.Lock()
	delete(ch.attachRx, c.id)
	delete(ch.attachTx, c.id)
	ch.mu.Unlock()
}

// snapshotAttachments returns every data channel attached to ch, for finalize.
func (ch *Channel) snapshotAttachments() []*Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Channel, 0, len(ch.attachRx)+len(ch.attachTx))
	for c := range ch.attachRx {
		out = append(out, c)
	}
	for c := range ch.attachTx {
		out = append(out, c)
	}
	return out
}

// run is the ingress loop, executed on the per-connection goroutine the
// Listener starts for this channel (spec.md §4.3). It owns calling finalize exactly once, on
// exit, mirroring the Python source's per-connection request thread.
func (ch *Channel) run() {
	defer ch.finalize()

	buf := make([]byte, ch.cfg.EthRecvSize)
	go ch.egressLoop()

	for ch.isRunning() {
		ch.conn.SetReadDeadline(time.Now().Add(ch.cfg.EthPoll))
		n, err := ch.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			// Broken pipe and any other socket error both terminate the
			// channel cleanly; there is nothing left to report to.
			return
		}

		if n == 0 {
			ch.zeroReads++
			if ch.zeroReads > maxZeroReads {
				ch.log.Error("zero-read watchdog tripped, aborting", slog.Uint64("channel", ch.id))
				abortProcess()
			}
			continue
		}
		ch.zeroReads = 0

		data := make([]byte, n)
		copy(data, buf[:n])
		ch.onData(data)
	}
}

func (ch *Channel) onData(data []byte) {
	switch ch.Role() {
	case RoleControl:
		endsWithNewline := len(data) > 0 && data[len(data)-1] == '\n'
		ch.mu.Lock()
		ch.cmdBuf = append(ch.cmdBuf, data...)
		cmd := ch.cmdBuf
		if endsWithNewline {
			ch.cmdBuf = nil
		}
		ch.mu.Unlock()

		if endsWithNewline {
			ch.dispatchSafely(string(bytes.TrimSuffix(cmd, []byte("\n"))))
		}

	case RoleDataRxTx:
		if ctrl := ch.CtrlRef(); ctrl != nil {
			if uart := ctrl.UART(); uart != nil {
				metrics.AddBytes(metrics.DirectionToUart, len(data))
				uart.txQueue.Push(data)
			}
		}

	case RoleDataRx, RoleDataTx:
		// Sniffers never feed data back; ingress bytes are discarded.
	}
}

// dispatchSafely recovers from a panicking command handler the way the
// source's bare `except:` turns any dispatch exception into an
// "unknown:" error without killing the channel.
func (ch *Channel) dispatchSafely(line string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncProtocolError()
			ch.sendLine("ERROR unknown:" + panicText(r) + "\n")
		}
	}()
	dispatch(ch, line)
}

func (ch *Channel) egressLoop() {
	for {
		data, ok := ch.egress.Pop(time.Second)
		if ok {
			if _, err := ch.conn.Write(data); err != nil {
				// Socket is broken; the ingress loop will observe the
				// same failure and drive finalize.
				return
			}
			continue
		}
		if !ch.isRunning() && ch.egress.Empty() {
			ch.conn.Close()
			return
		}
	}
}

func abortProcess() {
	osExit(1)
}
