package core

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/commatea/uartbridge/pkg/logger"
)

func testRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{EthRecvSize: 64, EthPoll: 20 * time.Millisecond, SerRecvSize: 64}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text", Output: "stdout"})
}

// newTestControlChannel wires a control channel to reg over an in-memory
// net.Pipe and starts its run loop, returning the peer end for the test
// to drive.
func newTestControlChannel(t *testing.T, reg *Registry) (*Channel, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	id := reg.allocID()
	ch := newChannel(id, server, reg, testRuntimeConfig(), testLogger())
	reg.addControl(ch)
	go ch.run()
	t.Cleanup(func() { ch.Stop() })
	return ch, client
}

// readLine reads one newline-terminated response line from conn, failing
// the test if none arrives within the timeout.
func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return line
}
