package core

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/commatea/uartbridge/pkg/serialport"
)

// Control-protocol command bytes (spec.md §4.5), named after
// pyuartsocket.py's CMD_* constants.
const (
	cmdServerShutdown = "X"
	cmdClientShutdown = "C"
	cmdListChannels    = "D"
	cmdIdentify        = "I"
	cmdAttach          = "A"
	cmdListSerials     = "L"
	cmdListOpenSerials = "S"
	cmdOpenSerial      = "O"
	cmdConfigSerial    = "U"
	cmdHelp            = "?"
	cmdSelfInfo        = "-"
)

// Config-serial sub-command bytes (spec.md §4.5.1).
const (
	subBaudrate = 'B'
	subParity   = 'P'
	subDatabits = 'D'
	subStopbits = 'S'
	subTimeout  = 'T'
	subRTimeout = 'R'
	subWTimeout = 'W'
	subITimeout = 'M'
	subXonXoff  = 'X'
	subRtsCts   = 'Y'
	subDsrDtr   = 'Z'
	subSetRTS   = 'r'
	subSetDTR   = 'd'
	subGetCTS   = 'c'
	subGetDSR   = 's'
	subGetRI    = 'i'
	subGetCD    = 'e'
)

const protocolVersion = "2.0"

// dispatch handles a single newline-stripped control command line, the
// bridge-domain analogue of pyuartsocket.py's Client.on_command. It never
// panics on malformed input it recognizes; dispatchSafely still guards
// against anything unforeseen.
func dispatch(ch *Channel, line string) {
	toks := strings.Split(line, " ")
	cmd := strings.TrimSpace(toks[0])

	var arg, arg2 string
	hasArg, hasArg2 := false, false
	if len(toks) == 2 {
		arg, hasArg = strings.TrimSpace(toks[1]), true
	} else if len(toks) > 2 {
		arg, hasArg = strings.TrimSpace(toks[1]), true
		arg2, hasArg2 = strings.TrimSpace(toks[2]), true
	}

	switch cmd {
	case cmdServerShutdown:
		ch.sendLine("OK\n")
		ch.reg.Shutdown()

	case cmdClientShutdown:
		handleClientShutdown(ch, arg, hasArg)

	case cmdIdentify:
		ch.sendLine(fmt.Sprintf("%d\n", ch.id))
		ch.sendLine("OK\n")

	case cmdAttach:
		handleAttach(ch, arg, hasArg, arg2, hasArg2)

	case cmdListSerials:
		handleListSerials(ch, hasArg && arg != "")

	case cmdListChannels:
		for _, c := range ch.reg.controlChannels() {
			ch.sendLine(describeChannel(c))
		}
		for _, c := range ch.reg.dataChannels() {
			ch.sendLine(describeChannel(c))
		}
		ch.sendLine("OK\n")

	case cmdListOpenSerials:
		for _, c := range ch.reg.controlChannels() {
			if c.UART() != nil {
				ch.sendLine(describeChannel(c))
			}
		}
		ch.sendLine("OK\n")

	case cmdOpenSerial:
		handleOpenSerial(ch, arg, hasArg, arg2, hasArg2)

	case cmdConfigSerial:
		configSerial(ch, toks[1:])

	case cmdHelp:
		ch.sendLine(helpText())
		ch.sendLine("OK\n")

	case cmdSelfInfo:
		ch.sendLine(describeChannel(ch))
		ch.sendLine("OK\n")

	default:
		ch.sendLine("ERROR unknown command\n")
	}
}

func handleClientShutdown(ch *Channel, arg string, hasArg bool) {
	var closee *Channel
	if hasArg {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			ch.sendLine("ERROR unknown:" + err.Error() + "\n")
			return
		}
		closee, _ = ch.reg.lookupAny(id)
	} else {
		closee = ch
	}
	if closee == nil {
		ch.sendLine("ERROR no such channel\n")
		return
	}
	closee.Stop()
	ch.sendLine("OK\n")
}

func handleAttach(ch *Channel, arg string, hasArg bool, arg2 string, hasArg2 bool) {
	if !hasArg {
		ch.sendLine("ERROR unknown:missing channel id\n")
		return
	}
	otherID, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		ch.sendLine("ERROR unknown:" + err.Error() + "\n")
		return
	}
	if otherID == ch.id {
		ch.sendLine("ERROR cannot attach to self\n")
		return
	}
	if ch.attachmentCount() > 0 {
		ch.sendLine("ERROR have attachees\n")
		return
	}

	role := RoleDataRxTx
	if hasArg2 {
		switch arg2 {
		case "R":
			role = RoleDataRx
		case "T":
			role = RoleDataTx
		default:
			ch.sendLine("ERROR unknown type (R,T or nothing)\n")
			return
		}
	}

	target, ok := ch.reg.lookupControl(otherID)
	if !ok {
		ch.sendLine("ERROR no such channel\n")
		return
	}
	if role != RoleDataTx && !target.accept(role) {
		ch.sendLine("ERROR control channel denies access of data channel type\n")
		return
	}

	target.attach(ch, role)
	ch.reg.moveToData(ch)
	ch.sendLine("OK\n")
}

func handleListSerials(ch *Channel, verbose bool) {
	ports, err := serialport.ListPorts()
	if err != nil {
		ch.sendLine("ERROR unknown:" + err.Error() + "\n")
		return
	}
	for _, p := range ports {
		if verbose {
			// go.bug.st/serial's port enumeration carries no
			// description/hwid fields the way pyserial's does, so both
			// extra columns repeat the port name.
			ch.sendLine(p + "\t" + p + "\t" + p + "\n")
		} else {
			ch.sendLine(p + "\n")
		}
	}
	ch.sendLine("OK\n")
}

func handleOpenSerial(ch *Channel, arg string, hasArg bool, arg2 string, hasArg2 bool) {
	if !hasArg || arg == "" {
		ch.sendLine("ERROR unknown:missing device name\n")
		return
	}
	exclusive := false
	if hasArg2 {
		if arg2 == "X" {
			exclusive = true
		} else {
			ch.sendLine("ERROR unknown flag (X or nothing)\n")
			return
		}
	}

	if uart := ch.UART(); uart != nil {
		uart.Close()
	}

	for _, u := range ch.reg.openUarts() {
		if u.name == arg {
			ch.sendLine("ERROR already opened in other channel\n")
			return
		}
	}

	if exclusive {
		for i, c := range ch.rxtxAttachments() {
			if i > 0 {
				c.Stop()
			}
		}
	}

	uart, err := openUART(ch.reg, ch, arg, exclusive, ch.cfg, ch.log)
	if err != nil {
		ch.sendLine("ERROR unknown:" + err.Error() + "\n")
		return
	}
	ch.setUART(uart)
	ch.sendLine("OK\n")
}

// configSerial implements the "U" sub-language (spec.md §4.5.1),
// adapted from pyuartsocket.py's config_serial. Unlike the original, the
// stopbits branch (subStopbits) writes StopBits, not DataBits — the
// aliasing bug spec.md names as a defect to fix rather than preserve.
func configSerial(ch *Channel, tokens []string) {
	cfg := ch.SerialSettings()
	ok := true
	changed := false

	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		sub := tok[0]
		arg := strings.TrimSpace(tok[1:])

		switch sub {
		case subBaudrate:
			baud, err := strconv.Atoi(arg)
			if err != nil {
				ch.sendLine("ERROR unknown:" + err.Error() + "\n")
				ok = false
			} else {
				cfg.BaudRate = baud
				changed = true
			}

		case subParity:
			switch arg {
			case "n":
				cfg.Parity = serialport.ParityNone
			case "o":
				cfg.Parity = serialport.ParityOdd
			case "e":
				cfg.Parity = serialport.ParityEven
			case "m":
				cfg.Parity = serialport.ParityMark
			case "s":
				cfg.Parity = serialport.ParitySpace
			default:
				ch.sendLine("ERROR unknown parity (n,o,e,m,s)\n")
				ok = false
			}
			if ok {
				changed = true
			}

		case subDatabits:
			switch arg {
			case "8", "7", "6", "5":
				n, _ := strconv.Atoi(arg)
				cfg.DataBits = n
			default:
				ch.sendLine("ERROR unknown bytesize (8,7,6,5)\n")
				ok = false
			}
			if ok {
				changed = true
			}

		case subTimeout:
			ms, err := strconv.Atoi(arg)
			if err != nil {
				ch.sendLine("ERROR unknown:" + err.Error() + "\n")
				ok = false
			} else {
				cfg.ReadTimeout = msToDuration(ms)
				cfg.WriteTimeout = msToDuration(ms)
				changed = true
			}

		case subRTimeout:
			ms, err := strconv.Atoi(arg)
			if err != nil {
				ch.sendLine("ERROR unknown:" + err.Error() + "\n")
				ok = false
			} else {
				cfg.ReadTimeout = msToDuration(ms)
				changed = true
			}

		case subWTimeout:
			ms, err := strconv.Atoi(arg)
			if err != nil {
				ch.sendLine("ERROR unknown:" + err.Error() + "\n")
				ok = false
			} else {
				cfg.WriteTimeout = msToDuration(ms)
				changed = true
			}

		case subITimeout:
			ms, err := strconv.Atoi(arg)
			if err != nil {
				ch.sendLine("ERROR unknown:" + err.Error() + "\n")
				ok = false
			} else {
				cfg.InterByteTimeout = msToDuration(ms)
				changed = true
			}

		case subStopbits:
			switch arg {
			case "1":
				cfg.StopBits = serialport.StopBitsOne
			case "1.5":
				cfg.StopBits = serialport.StopBitsOnePointFive
			case "2":
				cfg.StopBits = serialport.StopBitsTwo
			default:
				ch.sendLine("ERROR unknown stopbits (1,1.5,2)\n")
				ok = false
			}
			if ok {
				changed = true
			}

		case subRtsCts:
			switch arg {
			case "0":
				cfg.RtsCts = false
			case "1":
				cfg.RtsCts = true
			default:
				ch.sendLine("ERROR unknown setting (0,1)\n")
				ok = false
			}
			if ok {
				changed = true
			}

		case subDsrDtr:
			switch arg {
			case "0":
				cfg.DsrDtr = false
			case "1":
				cfg.DsrDtr = true
			default:
				ch.sendLine("ERROR unknown setting (0,1)\n")
				ok = false
			}
			if ok {
				changed = true
			}

		case subXonXoff:
			switch arg {
			case "0":
				cfg.XonXoff = false
			case "1":
				cfg.XonXoff = true
			default:
				ch.sendLine("ERROR unknown setting (0,1)\n")
				ok = false
			}
			if ok {
				changed = true
			}

		case subSetRTS:
			switch arg {
			case "0":
				f := false
				cfg.InitialRTS = &f
				if uart := ch.UART(); uart != nil {
					uart.SetRTS(false)
				}
			case "1":
				t := true
				cfg.InitialRTS = &t
				if uart := ch.UART(); uart != nil {
					uart.SetRTS(true)
				}
			case "-":
				cfg.InitialRTS = nil
			default:
				ch.sendLine("ERROR unknown line state (0,1,-)\n")
				ok = false
			}

		case subSetDTR:
			switch arg {
			case "0":
				f := false
				cfg.InitialDTR = &f
				if uart := ch.UART(); uart != nil {
					uart.SetDTR(false)
				}
			case "1":
				t := true
				cfg.InitialDTR = &t
				if uart := ch.UART(); uart != nil {
					uart.SetDTR(true)
				}
			case "-":
				cfg.InitialDTR = nil
			default:
				ch.sendLine("ERROR unknown line state (0,1,-)\n")
				ok = false
			}

		case subGetCD:
			echoLineState(ch, func(u *UART) (bool, error) { return u.ReadCD() })
		case subGetCTS:
			echoLineState(ch, func(u *UART) (bool, error) { return u.ReadCTS() })
		case subGetDSR:
			echoLineState(ch, func(u *UART) (bool, error) { return u.ReadDSR() })
		case subGetRI:
			echoLineState(ch, func(u *UART) (bool, error) { return u.ReadRI() })

		default:
			ch.sendLine("ERROR unknown argument\n")
			ok = false
		}

		if !ok {
			break
		}
	}

	if ok {
		ch.setSerialSettings(cfg)
		if changed {
			if uart := ch.UART(); uart != nil {
				if err := uart.ApplySettings(cfg); err != nil {
					ch.sendLine("ERROR serial:" + err.Error() + "\n")
					return
				}
			}
		}
		ch.sendLine("OK\n")
	}
}

func echoLineState(ch *Channel, read func(*UART) (bool, error)) {
	uart := ch.UART()
	if uart == nil {
		ch.sendLine("-\n")
		return
	}
	on, err := read(uart)
	if err != nil {
		ch.sendLine("ERROR serial:" + err.Error() + "\n")
		return
	}
	if on {
		ch.sendLine("1\n")
	} else {
		ch.sendLine("0\n")
	}
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func describeChannel(ch *Channel) string {
	var b strings.Builder
	addr := formatAddr(ch.RemoteAddr())

	if ch.Role() == RoleControl {
		fmt.Fprintf(&b, "C%d\t%s", ch.id, addr)
		if uart := ch.UART(); uart != nil {
			cfg := ch.SerialSettings()
			fmt.Fprintf(&b, "\tuart:%s\tbaud:%d\tdata:%d\tstop:%s\tpar:%c\trtmo:%s\twtmo:%s\titmo:%s\tdsrdtr:%s\trtscts:%s\txonxoff:%s",
				uart.name, cfg.BaudRate, cfg.DataBits, formatStopBits(cfg.StopBits), byte(cfg.Parity),
				formatMillis(cfg.ReadTimeout), formatMillis(cfg.WriteTimeout), formatMillis(cfg.InterByteTimeout),
				formatBool(cfg.DsrDtr), formatBool(cfg.RtsCts), formatBool(cfg.XonXoff))
		}
		if n := ch.attachmentCount(); n > 0 {
			fmt.Fprintf(&b, "\tattachees:%d", n)
		}
	} else {
		fmt.Fprintf(&b, "D%d\t%s\t%s", ch.id, addr, ch.Role().String())
		if ctrl := ch.CtrlRef(); ctrl != nil {
			fmt.Fprintf(&b, "\tattached:C%d", ctrl.id)
			if uart := ctrl.UART(); uart != nil {
				fmt.Fprintf(&b, "\tuart:%s", uart.name)
			}
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func formatAddr(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return fmt.Sprintf("[%s:%d]", tcp.IP.String(), tcp.Port)
	}
	return "[" + addr.String() + "]"
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatStopBits(s serialport.StopBits) string {
	switch s {
	case serialport.StopBitsOnePointFive:
		return "1.5"
	case serialport.StopBitsTwo:
		return "2"
	default:
		return "1"
	}
}

func formatMillis(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64)
}

func helpText() string {
	var b strings.Builder
	b.WriteString("uartsocket " + protocolVersion + "\n")
	b.WriteString("X            shuts down server, closes all serials, and detaches all clients and channels\n")
	b.WriteString("C (<n>)      shuts down given channel or self if no id\n")
	b.WriteString("I            returns this channels' id\n")
	b.WriteString("A <n> (R|T)  attaches this channel to given channel, making this channel a full duplex data channel, or an Rx/Tx sniff channel\n")
	b.WriteString("D            lists all control and data channels\n")
	b.WriteString("L (*)        lists serial ports, gives extra info if non-empty argument\n")
	b.WriteString("S            lists opened ports by channel id and associated serial port\n")
	b.WriteString("O <ser> (X)  opens serial port, eXclusively if wanted\n")
	b.WriteString("U <config params> sets/gets serial port params and reconfigures if open\n")
	b.WriteString("  B<baud>      sets serial baudrate\n")
	b.WriteString("  P<par>       sets serial parity\n")
	b.WriteString("  D<byte>      sets serial bytesize\n")
	b.WriteString("  S<stop>      sets serial stopbits\n")
	b.WriteString("  T<tmo>       sets serial read and write timeout in milliseconds\n")
	b.WriteString("  R<tmo>       sets serial read timeout in milliseconds\n")
	b.WriteString("  W<tmo>       sets serial write timeout in milliseconds\n")
	b.WriteString("  M<tmo>       sets serial intracharacter timeout in milliseconds\n")
	b.WriteString("  Y<ena>       enable or disable rts/cts hw flow control\n")
	b.WriteString("  Z<ena>       enable or disable dsr/dtr hw flow control\n")
	b.WriteString("  X<ena>       enable or disable xon/xoff sw flow control\n")
	b.WriteString("  r<rts>       sets serial rts line hi/lo\n")
	b.WriteString("  d<dtr>       sets serial dtr line hi/lo\n")
	b.WriteString("  c            returns serial cts line state\n")
	b.WriteString("  s            returns serial dsr line state\n")
	b.WriteString("  i            returns serial ri line state\n")
	b.WriteString("  e            returns serial cd line state\n")
	return b.String()
}
