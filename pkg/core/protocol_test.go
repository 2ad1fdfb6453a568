package core

import (
	"bufio"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIdentify(t *testing.T) {
	reg := NewRegistry()
	ch, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "I\n")

	if got := readLine(t, client, r); got != fmt.Sprintf("%d\n", ch.id) {
		t.Fatalf("identify line = %q, want %q", got, fmt.Sprintf("%d\n", ch.id))
	}
	if got := readLine(t, client, r); got != "OK\n" {
		t.Fatalf("second line = %q, want OK", got)
	}
}

func TestSelfInfoBeforeUartOpen(t *testing.T) {
	reg := NewRegistry()
	_, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "-\n")

	line := readLine(t, client, r)
	if !strings.HasPrefix(line, "C0\t[") {
		t.Fatalf("self-info line = %q, want prefix C0\\t[", line)
	}
	if got := readLine(t, client, r); got != "OK\n" {
		t.Fatalf("second line = %q, want OK", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	reg := NewRegistry()
	_, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "Q\n")

	if got := readLine(t, client, r); got != "ERROR unknown command\n" {
		t.Fatalf("got %q, want ERROR unknown command", got)
	}
}

func TestConfigSerialWithoutUartGetsDashLineState(t *testing.T) {
	reg := NewRegistry()
	_, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "U c\n")

	if got := readLine(t, client, r); got != "-\n" {
		t.Fatalf("got %q, want \"-\\n\"", got)
	}
	if got := readLine(t, client, r); got != "OK\n" {
		t.Fatalf("second line = %q, want OK", got)
	}
}

func TestConfigSerialBadParity(t *testing.T) {
	reg := NewRegistry()
	_, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "U Pz\n")

	if got := readLine(t, client, r); got != "ERROR unknown parity (n,o,e,m,s)\n" {
		t.Fatalf("got %q", got)
	}
}

func TestAttachRejectsSelf(t *testing.T) {
	reg := NewRegistry()
	ch, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "A %d\n", ch.id)

	if got := readLine(t, client, r); got != "ERROR cannot attach to self\n" {
		t.Fatalf("got %q", got)
	}
}

func TestAttachFullDuplex(t *testing.T) {
	reg := NewRegistry()
	ctrl, ctrlConn := newTestControlChannel(t, reg)
	defer ctrlConn.Close()
	_, dataConn := newTestControlChannel(t, reg)
	defer dataConn.Close()

	dr := bufio.NewReader(dataConn)
	fmt.Fprintf(dataConn, "A %d\n", ctrl.id)

	if got := readLine(t, dataConn, dr); got != "OK\n" {
		t.Fatalf("attach response = %q, want OK", got)
	}

	if n := ctrl.attachmentCount(); n != 1 {
		t.Fatalf("ctrl.attachmentCount() = %d, want 1", n)
	}
}

func TestAttachRToUnknownChannelErrors(t *testing.T) {
	reg := NewRegistry()
	_, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "A 999 R\n")

	if got := readLine(t, client, r); got != "ERROR no such channel\n" {
		t.Fatalf("got %q", got)
	}
}

func TestListChannelsIncludesSelf(t *testing.T) {
	reg := NewRegistry()
	ch, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "D\n")

	line := readLine(t, client, r)
	if !strings.HasPrefix(line, fmt.Sprintf("C%d\t", ch.id)) {
		t.Fatalf("list line = %q, want prefix C%d", line, ch.id)
	}
	if got := readLine(t, client, r); got != "OK\n" {
		t.Fatalf("second line = %q, want OK", got)
	}
}

func TestServerShutdownClosesAllChannels(t *testing.T) {
	reg := NewRegistry()
	_, client := newTestControlChannel(t, reg)
	defer client.Close()

	r := bufio.NewReader(client)
	fmt.Fprintf(client, "X\n")

	if got := readLine(t, client, r); got != "OK\n" {
		t.Fatalf("got %q, want OK", got)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after server shutdown")
	}

	select {
	case <-reg.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("X did not trip ShutdownRequested, so Server.Run would never stop the listener")
	}
}
