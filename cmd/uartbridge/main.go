// uartbridge CLI
//
// A TCP control-protocol server that multiplexes serial UARTs across
// control and data channels, per the uartsocket wire protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/commatea/uartbridge/pkg/config"
	"github.com/commatea/uartbridge/pkg/core"
	"github.com/commatea/uartbridge/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool

	ethRecvSize int
	ethPoll     int
	serRecvSize int
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "uartbridge [host] [port]",
		Short: "uartbridge - TCP/serial channel multiplexing bridge",
		Long: `uartbridge exposes one or more serial devices to the network
through a newline-delimited control protocol: clients open a control
channel, attach data channels to it, and open a UART behind it to
exchange bytes full-duplex or sniff them one-directionally.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().IntVarP(&ethRecvSize, "eth-recv-size", "e", 0, "ethernet receive chunk size in bytes (default 8)")
	rootCmd.Flags().IntVarP(&ethPoll, "eth-poll", "p", 0, "ethernet poll interval in seconds (default 1)")
	rootCmd.Flags().IntVarP(&serRecvSize, "ser-recv-size", "s", 0, "serial receive chunk size in bytes (default 1)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "enable the /metrics and /healthz endpoint on this address")

	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("uartbridge %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}

// run loads config, applies flag and positional-argument overrides
// (mirroring the original [host] [port] / [port]-only argument forms),
// and serves until an interrupt or SIGTERM arrives or a client issues X.
func run(args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if ethRecvSize > 0 {
		cfg.EthRecvSize = ethRecvSize
	}
	if ethPoll > 0 {
		cfg.EthPollSeconds = ethPoll
	}
	if serRecvSize > 0 {
		cfg.SerRecvSize = serRecvSize
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Bind = metricsAddr
	}

	if err := applyHostPortArgs(cfg, args); err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	srv := core.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

// applyHostPortArgs implements the original's positional argument rules:
// a single numeric argument in range is a port; a single non-numeric
// argument is a bind host; two arguments are host then port.
func applyHostPortArgs(cfg *config.Config, args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 1:
		if port, err := strconv.Atoi(args[0]); err == nil && port >= 0 && port < 0x10000 {
			cfg.Port = port
			return nil
		}
		cfg.Host = args[0]
		return nil
	case 2:
		cfg.Host = args[0]
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[1], err)
		}
		cfg.Port = port
		return nil
	default:
		return fmt.Errorf("too many positional arguments")
	}
}
