// Package core implements the bridge domain: channels, UARTs, the
// control-channel registry and the newline-delimited control protocol
// described by the bridge specification. It is the bridge-domain
// analogue of the teacher's pkg/core (Engine/Gateway/Registry), rewritten
// around TCP channels and serial UARTs instead of generic transports.
package core

import (
	"time"

	"github.com/commatea/uartbridge/pkg/serialport"
)

// Role is the role a Channel plays, per spec.md §3.
type Role int

const (
	// RoleControl issues commands and owns at most one UART.
	RoleControl Role = iota
	// RoleDataRx sniffs bytes received from the UART.
	RoleDataRx
	// RoleDataTx sniffs bytes sent to the UART.
	RoleDataTx
	// RoleDataRxTx is a full-duplex data channel.
	RoleDataRxTx
)

func (r Role) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleDataRx:
		return "rx"
	case RoleDataTx:
		return "tx"
	case RoleDataRxTx:
		return "rxtx"
	default:
		return "unknown"
	}
}

// IsData reports whether r is one of the three data-channel roles.
func (r Role) IsData() bool { return r != RoleControl }

// RuntimeConfig holds the three tunables exposed on the command line
// (spec.md §6): TCP receive chunk size, TCP poll timeout, serial receive
// chunk size.
type RuntimeConfig struct {
	EthRecvSize int
	EthPoll     time.Duration
	SerRecvSize int
}

// DefaultRuntimeConfig mirrors pyuartsocket.py's g_eth_recv_size/g_eth_poll/g_ser_recv_size.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		EthRecvSize: 8,
		EthPoll:     time.Second,
		SerRecvSize: 1,
	}
}

// maxZeroReads is the watchdog threshold from spec.md §4.3/§7.
const maxZeroReads = 100000

// defaultSerialSettings is the per-channel serial_cfg default, matching
// pyuartsocket.py's Client.__init__ defaults (115200 8N1, 1s r/w timeout).
func defaultSerialSettings() serialport.Settings {
	return serialport.DefaultSettings()
}
