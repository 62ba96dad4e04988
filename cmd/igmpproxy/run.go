package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/igmpproxy/igmpproxy/internal/ifreg"
	"github.com/igmpproxy/igmpproxy/internal/igmpio"
	"github.com/igmpproxy/igmpproxy/internal/logging"
	"github.com/igmpproxy/igmpproxy/internal/mroute"
	"github.com/igmpproxy/igmpproxy/internal/proxycore"
	"github.com/igmpproxy/igmpproxy/internal/timerqueue"
	"github.com/igmpproxy/igmpproxy/internal/xcmd"
)

var runCmdArgs struct {
	ConfigPath string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy daemon in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	runCmd.MarkFlagRequired("config")
}

func run() error {
	cfg, err := LoadConfig(runCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	log.Infow("starting igmpproxy",
		"upstream", cfg.Interfaces.Upstream,
		"downstream", cfg.Interfaces.Downstream,
	)

	registry, err := ifreg.New(cfg.Interfaces, log)
	if err != nil {
		return fmt.Errorf("failed to build interface registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := proxycore.AwaitUpstreamInterface(ctx, registry, upstreamIndexOf(registry), log); err != nil {
		return fmt.Errorf("upstream interface never became ready: %w", err)
	}
	upstreamIdx := upstreamIndexOf(registry)

	socket, err := igmpio.Open(cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to open igmp socket: %w", err)
	}
	defer socket.Close()

	kernel, err := mroute.Open()
	if err != nil {
		return fmt.Errorf("failed to open mroute socket: %w", err)
	}
	defer kernel.Close()

	for _, iface := range registry.All() {
		if iface.State == proxycore.IfaceDisabled {
			continue
		}
		if err := kernel.AddVIF(iface.Index, iface.Threshold, iface.Addr); err != nil {
			log.Warnw("failed to register vif", zap.Uint32("index", iface.Index), zap.Error(err))
		}
	}

	queue := timerqueue.New()
	now := time.Now
	table := proxycore.NewTable(registry, socket, kernel, upstreamIdx, cfg.Proxy, queue, now, log)
	querier := proxycore.NewQuerier(registry, socket, table, queue, cfg.Proxy, now, log)
	handler := proxycore.NewHandler(registry, table, querier, log)
	proxy := proxycore.NewProxy(table, querier, handler, queue, now, log)

	events := make(chan proxycore.Event, 64)

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return registry.Run(ctx)
	})

	wg.Go(func() error {
		return readLoop(ctx, socket, events)
	})

	wg.Go(func() error {
		proxy.Start()
		defer proxy.Stop()
		return proxy.Run(ctx, events)
	})

	wg.Go(func() error {
		return xcmd.WaitInterrupted(ctx)
	})

	wg.Go(func() error {
		return xcmd.WatchDumpSignal(ctx, proxy.RequestDump)
	})

	err = wg.Wait()
	cancel()
	return err
}

// readLoop decodes inbound IGMP datagrams and classifies them into
// proxycore.Event values. Reports and leaves are distinguished by IGMP
// type; kernel cache-miss notifications arrive on a separate netlink
// channel in a full deployment and are outside this reference loop's
// scope.
func readLoop(ctx context.Context, socket *igmpio.Socket, events chan<- proxycore.Event) error {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, src, err := socket.Recv(buf)
		if err != nil {
			return fmt.Errorf("igmp receive loop failed: %w", err)
		}

		msg, err := igmpio.Decode(buf[:n])
		if err != nil {
			continue
		}

		ev := proxycore.Event{Src: src, Group: msg.Group, Type: msg.Type}
		switch msg.Type {
		case proxycore.IGMPMembershipReportV1, proxycore.IGMPMembershipReportV2:
			ev.Kind = proxycore.EventReport
		case proxycore.IGMPLeaveGroup:
			ev.Kind = proxycore.EventLeave
		default:
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func upstreamIndexOf(registry proxycore.InterfaceRegistry) uint32 {
	for _, iface := range registry.All() {
		if iface.State == proxycore.IfaceUpstream {
			return iface.Index
		}
	}
	return 0
}
