package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rosewoodhq/synckit/internal/daemon"
	"github.com/rosewoodhq/synckit/internal/dashboard"
	"github.com/rosewoodhq/synckit/internal/netmon"
	"github.com/rosewoodhq/synckit/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the long-lived sync daemon for this device.

The daemon watches connectivity, drains the queue on every reconnect,
and re-drains periodically while online so retry backoffs and deferred
actions are picked up. A local dashboard exposes live queue status over
WebSocket and plain JSON.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newDaemonLogger()

		rt, err := openRuntime(context.Background(), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.close()

		probeAddr := viper.GetString("probe_addr")
		if probeAddr == "" {
			fmt.Fprintf(os.Stderr, "Error: probe_addr must be configured for the daemon\n")
			os.Exit(1)
		}

		monitor := netmon.New(&netmon.Config{
			PollInterval: viper.GetDuration("probe_interval"),
			Probe:        netmon.DialProbe(probeAddr, 3*time.Second),
			Logger:       logger,
		})

		server := dashboard.NewServer(rt.coord, &dashboard.Config{
			Port:   viper.GetInt("dashboard_port"),
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = server.Stop() }()

		rt.coord.SetNotifier(dashboard.NewHandler(server, rt.coord, logger))

		d, err := daemon.New(rt.coord, monitor, &daemon.Config{
			DrainInterval: viper.GetDuration("drain_interval"),
			Logger:        logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Sync daemon running (dashboard on %s)\n",
			ui.RenderPass("✓"), server.GetAddr())

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

// newDaemonLogger writes to stderr, plus a rotated log file when
// log_file is configured.
func newDaemonLogger() *log.Logger {
	var out io.Writer = os.Stderr

	if path := viper.GetString("log_file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	return log.New(out, "[synckit] ", log.LstdFlags)
}
