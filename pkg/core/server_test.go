package core

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/commatea/uartbridge/pkg/config"
	"github.com/commatea/uartbridge/pkg/logger"
)

func testServerConfig() *config.Config {
	return &config.Config{
		Host:           "127.0.0.1",
		Port:           0,
		EthRecvSize:    64,
		EthPollSeconds: 1,
		SerRecvSize:    64,
		Logging:        config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"},
	}
}

// TestServerShutdownCommandStopsListener is the end-to-end regression test
// for the X command: it must close the listener and let Run return (so
// main exits cleanly) without any OS signal ever arriving on ctx.
func TestServerShutdownCommandStopsListener(t *testing.T) {
	srv := New(testServerConfig(), logger.New(logger.Config{Level: "error", Format: "text", Output: "stdout"}))

	runErr := make(chan error, 1)
	// A context that is never cancelled: if Run only reacted to ctx.Done,
	// Run would never return after X and this test would time out.
	go func() { runErr <- srv.Run(context.Background()) }()

	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		if srv.listener != nil {
			addr = srv.listener.Addr()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server never bound a listener")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "X\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := r.ReadString('\n'); err != nil || line != "OK\n" {
		t.Fatalf("X response = %q, %v; want OK", line, err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after X; listener was never stopped")
	}

	if _, err := net.DialTimeout("tcp", addr.String(), 500*time.Millisecond); err == nil {
		t.Fatal("listener still accepting connections after X shutdown")
	}
}
