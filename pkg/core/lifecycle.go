package core

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/commatea/uartbridge/pkg/metrics"
)

// osExit is a variable indexable for tests so the zero-read watchdog
// doesn't actually kill the test binary.
var osExit = os.Exit

func panicText(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", r)
}

// finalize implements spec.md §4.3 Termination. It runs exactly once, in
// the defer of the ingress loop that owns this channel.
func (ch *Channel) finalize() {
	ch.running.Store(false)

	if ch.Role() == RoleControl {
		for _, c := range ch.snapshotAttachments() {
			c.Stop()
			ch.reg.removeData(c.id)
		}
		ch.reg.removeControl(ch.id)

		if uart := ch.UART(); uart != nil {
			uart.Close()
		}
		ch.log.Info("control channel closed", slog.Uint64("channel", ch.id))
	} else {
		ch.reg.removeData(ch.id)
		if ctrl := ch.CtrlRef(); ctrl != nil {
			ctrl.detach(ch)
		}
		ch.log.Info("data channel closed", slog.Uint64("channel", ch.id), slog.String("role", ch.Role().String()))
	}

	metrics.SetChannelCounts(ch.reg.counts())
}
