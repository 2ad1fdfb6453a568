// Package serialport wraps go.bug.st/serial behind the narrow capability
// surface the bridge core needs: open/close, blocking read/write, atomic
// reconfiguration, and line-status queries. It is the adapted descendant
// of the teacher's pkg/transport/serial Transport, stripped of the
// transport.Transport lifecycle (Connect/Send/Receive/Info) that doesn't
// apply here and extended with the line-level operations (RTS/DTR/CTS/
// DSR/RI/CD) the control protocol exposes.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Error wraps a failure from the underlying serial device. All SerialPort
// operations that fail due to device trouble return one of these.
type Error struct {
	Op     string
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, device string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Device: device, Err: err}
}

// Parity mirrors the spec's P<n|o|e|m|s> sub-token.
type Parity byte

const (
	ParityNone Parity = 'n'
	ParityOdd  Parity = 'o'
	ParityEven Parity = 'e'
	ParityMark Parity = 'm'
	ParitySpace Parity = 's'
)

// StopBits mirrors the spec's S<1|1.5|2> sub-token.
type StopBits float64

const (
	StopBitsOne            StopBits = 1
	StopBitsOnePointFive   StopBits = 1.5
	StopBitsTwo            StopBits = 2
)

// Settings is the desired serial configuration (spec.md §3 serial_cfg).
type Settings struct {
	BaudRate         int
	DataBits         int
	Parity           Parity
	StopBits         StopBits
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	InterByteTimeout time.Duration
	XonXoff          bool
	RtsCts           bool
	DsrDtr           bool

	// InitialRTS/InitialDTR are nil when the line is left unmanaged ('-').
	InitialRTS *bool
	InitialDTR *bool
}

// DefaultSettings mirrors pyuartsocket.py's Client.__init__ defaults.
func DefaultSettings() Settings {
	return Settings{
		BaudRate:     115200,
		DataBits:     8,
		Parity:       ParityNone,
		StopBits:     StopBitsOne,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

func (s Settings) mode() (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: s.BaudRate, DataBits: s.DataBits}

	switch s.Parity {
	case ParityNone:
		mode.Parity = serial.NoParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityMark:
		mode.Parity = serial.MarkParity
	case ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", s.Parity)
	}

	switch s.StopBits {
	case StopBitsOne:
		mode.StopBits = serial.OneStopBit
	case StopBitsOnePointFive:
		mode.StopBits = serial.OnePointFiveStopBits
	case StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unknown stop bits %v", s.StopBits)
	}

	if s.InitialRTS != nil || s.InitialDTR != nil {
		bits := &serial.ModemOutputBits{}
		if s.InitialRTS != nil {
			bits.RTS = *s.InitialRTS
		}
		if s.InitialDTR != nil {
			bits.DTR = *s.InitialDTR
		}
		mode.InitialStatusBits = bits
	}

	return mode, nil
}

// Port is one opened OS serial device. All operations are safe for
// concurrent use; only one goroutine should be mid-Read and one mid-Write
// at any time (the UartBridge pumps are the only callers of those two).
type Port struct {
	mu     sync.Mutex
	name   string
	dev    serial.Port
	cfg    Settings
}

// Open opens name with cfg applied, or fails with a *Error.
func Open(name string, cfg Settings) (*Port, error) {
	mode, err := cfg.mode()
	if err != nil {
		return nil, wrapErr("open", name, err)
	}

	dev, err := serial.Open(name, mode)
	if err != nil {
		return nil, wrapErr("open", name, err)
	}

	p := &Port{name: name, dev: dev, cfg: cfg}
	if err := p.applyLocked(cfg); err != nil {
		dev.Close()
		return nil, err
	}
	return p, nil
}

// Name returns the OS device identifier this port was opened with.
func (p *Port) Name() string { return p.name }

// Close closes the port. Idempotent.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return nil
	}
	err := p.dev.Close()
	p.dev = nil
	if err != nil {
		return wrapErr("close", p.name, err)
	}
	return nil
}

// Read blocks up to the configured read timeout and returns 0..maxN bytes.
// A zero-length, nil-error return is a timeout, not EOF.
func (p *Port) Read(maxN int) ([]byte, error) {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return nil, wrapErr("read", p.name, errors.New("port not open"))
	}

	buf := make([]byte, maxN)
	n, err := dev.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, wrapErr("read", p.name, errors.New("device closed"))
		}
		return nil, wrapErr("read", p.name, err)
	}
	return buf[:n], nil
}

// Write blocks until all of data is written or the write times out.
// go.bug.st/serial exposes no write-deadline primitive, so the timeout is
// enforced by racing the blocking write against a timer; a timed-out write
// may still land bytes on the wire asynchronously, matching pyserial's own
// best-effort write_timeout semantics.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	dev := p.dev
	timeout := p.cfg.WriteTimeout
	p.mu.Unlock()
	if dev == nil {
		return 0, wrapErr("write", p.name, errors.New("port not open"))
	}

	if timeout <= 0 {
		n, err := dev.Write(data)
		if err != nil {
			return n, wrapErr("write", p.name, err)
		}
		return n, nil
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := dev.Write(data)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.n, wrapErr("write", p.name, r.err)
		}
		return r.n, nil
	case <-time.After(timeout):
		return 0, wrapErr("write", p.name, errors.New("write timeout"))
	}
}

// ApplySettings atomically reconfigures an open port.
func (p *Port) ApplySettings(cfg Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyLocked(cfg)
}

func (p *Port) applyLocked(cfg Settings) error {
	mode, err := cfg.mode()
	if err != nil {
		return wrapErr("configure", p.name, err)
	}
	if err := p.dev.SetMode(mode); err != nil {
		return wrapErr("configure", p.name, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := p.dev.SetReadTimeout(cfg.ReadTimeout); err != nil {
			return wrapErr("configure", p.name, err)
		}
	}
	if cfg.InitialRTS != nil {
		if err := p.dev.SetRTS(*cfg.InitialRTS); err != nil {
			return wrapErr("configure", p.name, err)
		}
	}
	if cfg.InitialDTR != nil {
		if err := p.dev.SetDTR(*cfg.InitialDTR); err != nil {
			return wrapErr("configure", p.name, err)
		}
	}
	p.cfg = cfg
	return nil
}

// SetRTS sets the RTS line immediately.
func (p *Port) SetRTS(on bool) error {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return wrapErr("set-rts", p.name, errors.New("port not open"))
	}
	if err := dev.SetRTS(on); err != nil {
		return wrapErr("set-rts", p.name, err)
	}
	return nil
}

// SetDTR sets the DTR line immediately.
func (p *Port) SetDTR(on bool) error {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return wrapErr("set-dtr", p.name, errors.New("port not open"))
	}
	if err := dev.SetDTR(on); err != nil {
		return wrapErr("set-dtr", p.name, err)
	}
	return nil
}

func (p *Port) modemBits() (*serial.ModemStatusBits, error) {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return nil, wrapErr("modem-status", p.name, errors.New("port not open"))
	}
	bits, err := dev.GetModemStatusBits()
	if err != nil {
		return nil, wrapErr("modem-status", p.name, err)
	}
	return bits, nil
}

// ReadCTS reads the CTS line state.
func (p *Port) ReadCTS() (bool, error) {
	bits, err := p.modemBits()
	if err != nil {
		return false, err
	}
	return bits.CTS, nil
}

// ReadDSR reads the DSR line state.
func (p *Port) ReadDSR() (bool, error) {
	bits, err := p.modemBits()
	if err != nil {
		return false, err
	}
	return bits.DSR, nil
}

// ReadRI reads the RI (ring indicator) line state.
func (p *Port) ReadRI() (bool, error) {
	bits, err := p.modemBits()
	if err != nil {
		return false, err
	}
	return bits.RI, nil
}

// ReadCD reads the CD (carrier detect) line state.
func (p *Port) ReadCD() (bool, error) {
	bits, err := p.modemBits()
	if err != nil {
		return false, err
	}
	return bits.DCD, nil
}

// ListPorts returns the OS-level list of available serial devices,
// delegating to go.bug.st/serial's platform enumeration (out of scope
// per spec.md §1 beyond calling it).
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
