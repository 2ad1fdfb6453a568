package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commatea/uartbridge/pkg/logger"
	"github.com/commatea/uartbridge/pkg/metrics"
	"github.com/commatea/uartbridge/pkg/serialport"
)

// serialDevice is the capability surface UartBridge needs from an open
// port (spec.md §4.1). *serialport.Port satisfies it; tests substitute a
// fake so the rx/tx pumps can be exercised without real hardware.
type serialDevice interface {
	Read(maxN int) ([]byte, error)
	Write(data []byte) (int, error)
	ApplySettings(serialport.Settings) error
	SetRTS(bool) error
	SetDTR(bool) error
	ReadCTS() (bool, error)
	ReadDSR() (bool, error)
	ReadRI() (bool, error)
	ReadCD() (bool, error)
	Close() error
	Name() string
}

// openSerial is overridden in tests to avoid touching real hardware.
var openSerial = func(name string, cfg serialport.Settings) (serialDevice, error) {
	return serialport.Open(name, cfg)
}

// UART is one opened OS serial device plus its rx/tx pump goroutines
// (spec.md §3/§4.2).
type UART struct {
	name      string
	exclusive bool
	ctrlRef   *Channel
	port      serialDevice
	reg       *Registry
	cfg       RuntimeConfig
	log       *logger.Logger

	running  atomic.Bool
	txQueue  *byteQueue
	wg       sync.WaitGroup
	closeOnce sync.Once
}

// openUART opens name on behalf of ctrl, applying ctrl's serial_cfg, and
// starts the rx/tx pumps. Fails with *serialport.Error if the device
// can't be opened, or a plain error if name is already open process-wide.
func openUART(reg *Registry, ctrl *Channel, name string, exclusive bool, cfg RuntimeConfig, log *logger.Logger) (*UART, error) {
	port, err := openSerial(name, ctrl.SerialSettings())
	if err != nil {
		return nil, err
	}

	u := &UART{
		name:      name,
		exclusive: exclusive,
		ctrlRef:   ctrl,
		port:      port,
		reg:       reg,
		cfg:       cfg,
		log:       log,
		txQueue:   newByteQueue(),
	}

	if !reg.reserveUart(u) {
		port.Close()
		return nil, errAlreadyOpen
	}

	u.running.Store(true)
	u.wg.Add(2)
	go u.rxPump()
	go u.txPump()

	return u, nil
}

// Close stops both pumps and closes the device. Idempotent.
func (u *UART) Close() {
	u.closeOnce.Do(func() {
		u.running.Store(false)
		u.port.Close()
		u.reg.releaseUart(u.name)
		u.ctrlRef.setUART(nil)
		u.wg.Wait()
	})
}

// rxPump implements spec.md §4.2's rx pump: read from the device, fan the
// chunk out (preserving boundaries) to every DataRx/DataRxTx subscriber.
func (u *UART) rxPump() {
	defer u.wg.Done()
	for u.running.Load() {
		data, err := u.port.Read(u.cfg.SerRecvSize)
		if err != nil {
			u.onSerialError(err)
			return
		}
		if len(data) == 0 {
			continue
		}
		for _, sub := range u.ctrlRef.rxSubscribers() {
			cp := make([]byte, len(data))
			copy(cp, data)
			sub.send(cp)
		}
		metrics.AddBytes(metrics.DirectionFromUart, len(data))
	}
}

// txPump implements spec.md §4.2's tx pump: drain the UART's tx queue,
// write to the device, mirror a copy to tx-sniffers.
func (u *UART) txPump() {
	defer u.wg.Done()
	for u.running.Load() {
		chunk, ok := u.txQueue.Pop(time.Second)
		if !ok {
			continue
		}
		if _, err := u.port.Write(chunk); err != nil {
			u.onSerialError(err)
			return
		}
		for _, sub := range u.ctrlRef.txSubscribers() {
			cp := make([]byte, len(chunk))
			copy(cp, chunk)
			sub.send(cp)
		}
	}
}

// onSerialError implements the serial-error propagation policy from
// spec.md §4.2/§7: report on the owning control channel, terminate it,
// close the UART. Called from whichever pump hit the error; Close is
// idempotent so a concurrent failure on the other pump is harmless.
func (u *UART) onSerialError(err error) {
	u.ctrlRef.sendLine("ERROR serial:" + err.Error() + "\n")
	u.log.Error("serial error", slog.String("uart", u.name), slog.Any("err", err))
	metrics.IncSerialError()
	u.ctrlRef.Stop()
	go u.Close()
}

// SetRTS sets the UART's RTS line immediately.
func (u *UART) SetRTS(on bool) error { return u.port.SetRTS(on) }

// SetDTR sets the UART's DTR line immediately.
func (u *UART) SetDTR(on bool) error { return u.port.SetDTR(on) }

// ReadCTS reads the UART's CTS line state.
func (u *UART) ReadCTS() (bool, error) { return u.port.ReadCTS() }

// ReadDSR reads the UART's DSR line state.
func (u *UART) ReadDSR() (bool, error) { return u.port.ReadDSR() }

// ReadRI reads the UART's RI line state.
func (u *UART) ReadRI() (bool, error) { return u.port.ReadRI() }

// ReadCD reads the UART's CD line state.
func (u *UART) ReadCD() (bool, error) { return u.port.ReadCD() }

// ApplySettings reconfigures the open device in place (the "U" command's
// reconfigure step, spec.md §4.5.1).
func (u *UART) ApplySettings(cfg serialport.Settings) error {
	return u.port.ApplySettings(cfg)
}

// rxSubscribers snapshots the control channel's attachments_rx set under
// that channel's own mutex (spec.md §9: the rx pump dereferences its
// UART's ctrl_ref and snapshots the attachment list before publishing).
func (ch *Channel) rxSubscribers() []*Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Channel, 0, len(ch.attachRx))
	for c := range ch.attachRx {
		out = append(out, c)
	}
	return out
}

// txSubscribers snapshots the control channel's attachments_tx set.
func (ch *Channel) txSubscribers() []*Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Channel, 0, len(ch.attachTx))
	for c := range ch.attachTx {
		out = append(out, c)
	}
	return out
}
