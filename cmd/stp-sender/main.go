// Command stp-sender drives one file transfer as the sender side of the
// Simple Transport Protocol (spec §6's fixed CLI surface):
//
//	stp-sender <sender_port> <receiver_port> <file_to_send> <max_win_bytes> <rto_ms>
//
// Following the teacher's pkg/client/userd/service.go Command()/RunE
// pattern.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/denniemok/simple-transport-protocol/pkg/eventlog"
	"github.com/denniemok/simple-transport-protocol/pkg/sender"
	"github.com/denniemok/simple-transport-protocol/pkg/stpconfig"
	"github.com/denniemok/simple-transport-protocol/pkg/stpnet"
	"github.com/denniemok/simple-transport-protocol/pkg/stpstats"
)

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var configPath, logLevel, metricsAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "stp-sender <sender_port> <receiver_port> <file_to_send> <max_win_bytes> <rto_ms>",
		Short: "Send a file over the Simple Transport Protocol",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, configPath, logLevel, metricsAddr, verbose)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML file with default rto/max_win/log level")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "operational log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "write the wire event log to stderr (otherwise it is discarded)")
	return cmd
}

func run(ctx context.Context, args []string, configPath, logLevel, metricsAddr string, verbose bool) error {
	senderPort, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid sender_port: %w", err)
	}
	receiverPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid receiver_port: %w", err)
	}
	filePath := args[2]
	maxWinBytes, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid max_win_bytes: %w", err)
	}
	rtoMillis, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("invalid rto_ms: %w", err)
	}

	cfg, err := stpconfig.Load(configPath)
	if err != nil {
		return err
	}
	maxWinBytes = stpconfig.OverrideInt(maxWinBytes, cfg.MaxWinBytes)
	rtoMillis = stpconfig.OverrideInt(rtoMillis, cfg.RTOMillis)
	if cfg.LogLevel != "" && logLevel == "info" {
		logLevel = cfg.LogLevel
	}
	ctx = stpconfig.WithConfig(ctx, cfg)
	ctx = stpconfig.InitLogging(ctx, "stp-sender", logLevel, os.Stderr)

	data, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", filePath)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: senderPort})
	if err != nil {
		return errors.Wrapf(err, "binding sender port %d", senderPort)
	}
	peerAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: receiverPort}

	stats := &stpstats.Counters{}
	var eventWriter io.Writer = io.Discard
	if verbose {
		eventWriter = os.Stderr
	}
	events := eventlog.New(eventWriter)

	ch := stpnet.New(conn, peerAddr)
	s := sender.New(ch, data, maxWinBytes, time.Duration(rtoMillis)*time.Millisecond, events, stats)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	var failed bool
	g.Go("sender", func(ctx context.Context) error {
		summary, err := s.Run(ctx)
		if err != nil {
			return err
		}
		failed = summary.Reset
		printSummary("sender", summary.Reset, summary.Stats)
		return nil
	})

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stpstats.NewPrometheusCollector("sender", stats))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		g.Go("metrics", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if failed {
		os.Exit(1)
	}
	return nil
}

func printSummary(role string, reset bool, s stpstats.Snapshot) {
	c := color.New(color.FgGreen)
	status := "CLOSED"
	if reset {
		c = color.New(color.FgYellow)
		status = "RESET"
	}
	c.Fprintf(os.Stderr, "%s: %s — %d bytes, %d sent, %d received, %d dup-data, %d dup-ack, %d dropped, %d retransmits, %d fast-retransmits\n",
		role, status, s.BytesTransferred, s.SegmentsSent, s.SegmentsReceived,
		s.DuplicateData, s.DuplicateAcks, s.SegmentsDropped, s.Retransmits, s.FastRetransmits)
}
