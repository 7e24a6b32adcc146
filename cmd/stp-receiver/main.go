// Command stp-receiver drives one file transfer as the receiver side of
// the Simple Transport Protocol (spec §6's fixed CLI surface):
//
//	stp-receiver <receiver_port> <sender_port> <file_received> <flp> <rlp>
//
// Following the teacher's pkg/client/userd/service.go Command()/RunE
// pattern.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/denniemok/simple-transport-protocol/pkg/eventlog"
	"github.com/denniemok/simple-transport-protocol/pkg/receiver"
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
		Use:   "stp-receiver <receiver_port> <sender_port> <file_received> <flp> <rlp>",
		Short: "Receive a file over the Simple Transport Protocol",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, configPath, logLevel, metricsAddr, verbose)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML file with default flp/rlp/log level")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "operational log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "write the wire event log to stderr (otherwise it is discarded)")
	return cmd
}

func run(ctx context.Context, args []string, configPath, logLevel, metricsAddr string, verbose bool) error {
	receiverPort, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid receiver_port: %w", err)
	}
	senderPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid sender_port: %w", err)
	}
	filePath := args[2]
	flp, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("invalid flp: %w", err)
	}
	rlp, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Errorf("invalid rlp: %w", err)
	}

	cfg, err := stpconfig.Load(configPath)
	if err != nil {
		return err
	}
	flp = stpconfig.OverrideFloat(flp, cfg.FLP)
	rlp = stpconfig.OverrideFloat(rlp, cfg.RLP)
	if cfg.LogLevel != "" && logLevel == "info" {
		logLevel = cfg.LogLevel
	}
	ctx = stpconfig.WithConfig(ctx, cfg)
	ctx = stpconfig.InitLogging(ctx, "stp-receiver", logLevel, os.Stderr)

	out, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filePath)
	}
	defer out.Close()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: receiverPort})
	if err != nil {
		return errors.Wrapf(err, "binding receiver port %d", receiverPort)
	}
	peerAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: senderPort}

	stats := &stpstats.Counters{}
	var eventWriter io.Writer = io.Discard
	if verbose {
		eventWriter = os.Stderr
	}
	events := eventlog.New(eventWriter)

	// flp is applied on receive, rlp on send, both at the receiver (spec
	// §4.4): the sender's channel never carries loss options.
	ch := stpnet.New(conn, peerAddr,
		stpnet.WithRecvLoss(pctOf(flp)),
		stpnet.WithSendLoss(pctOf(rlp)),
	)
	r := receiver.New(ch, events, stats)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	var failed bool
	g.Go("receiver", func(ctx context.Context) error {
		summary, err := r.Run(ctx, out)
		if err != nil {
			return err
		}
		failed = summary.Reset
		printSummary("receiver", summary.Reset, summary.Stats)
		return nil
	})

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stpstats.NewPrometheusCollector("receiver", stats))
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
		dlog.Errorf(ctx, "%v", err)
		return err
	}
	if failed {
		os.Exit(1)
	}
	return nil
}

// pctOf converts a [0,1] probability to the [0,100] integer percentage the
// channel adapter expects.
func pctOf(p float64) int {
	return int(math.Round(p * 100))
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
