package core

import (
	"log/slog"
	"net"
	"sync"

	"github.com/commatea/uartbridge/pkg/logger"
)

// Listener accepts TCP connections and turns each into a control channel
// (spec.md §4.6), the bridge-domain analogue of the teacher's transport
// listeners.
type Listener struct {
	ln  net.Listener
	reg *Registry
	cfg RuntimeConfig
	log *logger.Logger

	wg      sync.WaitGroup
	closing chan struct{}
}

// Listen binds addr ("host:port") and returns a Listener ready to Serve.
func Listen(addr string, reg *Registry, cfg RuntimeConfig, log *logger.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, reg: reg, cfg: cfg, log: log, closing: make(chan struct{})}, nil
}

// Addr returns the bound address, useful when addr was "host:0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close is called, spawning one ingress
// goroutine per connection exactly like the teacher's threaded server.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
				l.log.Error("accept failed", slog.Any("err", err))
				return
			}
		}

		id := l.reg.allocID()
		ch := newChannel(id, conn, l.reg, l.cfg, l.log)
		l.reg.addControl(ch)
		l.log.Info("channel accepted", slog.Uint64("channel", id), slog.String("peer", conn.RemoteAddr().String()))

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ch.run()
		}()
	}
}

// Close stops accepting new connections. It does not tear down channels
// already accepted; ShutdownAll (the "X" command) handles that.
func (l *Listener) Close() error {
	close(l.closing)
	return l.ln.Close()
}

// Wait blocks until every accepted connection's ingress loop has returned.
func (l *Listener) Wait() {
	l.wg.Wait()
}
