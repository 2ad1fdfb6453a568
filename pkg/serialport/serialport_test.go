package serialport

import (
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestDefaultSettingsMatchesUartsocketDefaults(t *testing.T) {
	s := DefaultSettings()
	if s.BaudRate != 115200 || s.DataBits != 8 || s.Parity != ParityNone || s.StopBits != StopBitsOne {
		t.Fatalf("DefaultSettings() = %+v, want 115200 8N1", s)
	}
	if s.ReadTimeout != time.Second || s.WriteTimeout != time.Second {
		t.Fatalf("DefaultSettings() timeouts = %v/%v, want 1s/1s", s.ReadTimeout, s.WriteTimeout)
	}
}

func TestModeMapsParityAndStopBits(t *testing.T) {
	tests := []struct {
		name     string
		parity   Parity
		stopBits StopBits
		wantPar  serial.Parity
		wantStop serial.StopBits
	}{
		{"none/one", ParityNone, StopBitsOne, serial.NoParity, serial.OneStopBit},
		{"odd/onepointfive", ParityOdd, StopBitsOnePointFive, serial.OddParity, serial.OnePointFiveStopBits},
		{"even/two", ParityEven, StopBitsTwo, serial.EvenParity, serial.TwoStopBits},
		{"mark/one", ParityMark, StopBitsOne, serial.MarkParity, serial.OneStopBit},
		{"space/one", ParitySpace, StopBitsOne, serial.SpaceParity, serial.OneStopBit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{BaudRate: 9600, DataBits: 8, Parity: tt.parity, StopBits: tt.stopBits}
			mode, err := s.mode()
			if err != nil {
				t.Fatalf("mode() error: %v", err)
			}
			if mode.Parity != tt.wantPar {
				t.Errorf("Parity = %v, want %v", mode.Parity, tt.wantPar)
			}
			if mode.StopBits != tt.wantStop {
				t.Errorf("StopBits = %v, want %v", mode.StopBits, tt.wantStop)
			}
		})
	}
}

func TestModeRejectsUnknownParity(t *testing.T) {
	s := Settings{BaudRate: 9600, DataBits: 8, Parity: Parity('?'), StopBits: StopBitsOne}
	if _, err := s.mode(); err == nil {
		t.Fatal("mode() with unknown parity returned nil error")
	}
}

func TestModeSetsInitialStatusBitsOnlyWhenManaged(t *testing.T) {
	s := Settings{BaudRate: 9600, DataBits: 8, Parity: ParityNone, StopBits: StopBitsOne}
	mode, err := s.mode()
	if err != nil {
		t.Fatalf("mode() error: %v", err)
	}
	if mode.InitialStatusBits != nil {
		t.Fatal("InitialStatusBits set despite InitialRTS/InitialDTR being nil")
	}

	rts := true
	s.InitialRTS = &rts
	mode, err = s.mode()
	if err != nil {
		t.Fatalf("mode() error: %v", err)
	}
	if mode.InitialStatusBits == nil || !mode.InitialStatusBits.RTS {
		t.Fatal("InitialStatusBits.RTS not set from InitialRTS")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := &Error{Op: "open", Device: "com1", Err: errTest}
	if inner.Unwrap() != errTest {
		t.Fatal("Unwrap() did not return the wrapped error")
	}
	if inner.Error() == "" {
		t.Fatal("Error() returned empty string")
	}
}

var errTest = testErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }
