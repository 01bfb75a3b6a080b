// Command tunnelagent is C7: it parses the forward specs and flags into a
// config.SessionConfig and runs the supervisor until the process is asked
// to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tunnelfwd/agent/internal/config"
	"github.com/tunnelfwd/agent/internal/hooks"
	"github.com/tunnelfwd/agent/internal/logging"
	"github.com/tunnelfwd/agent/internal/metrics"
	"github.com/tunnelfwd/agent/internal/supervisor"
)

// version is set at build time via -ldflags.
var version = "dev"

const reportInterval = 60 * time.Second

var (
	forwards  []string
	apiKey    string
	hostname  string
	nonSecure bool
	logLevel  string
	debug     bool
	showVer   bool
)

func main() {
	cmd := &cobra.Command{
		Use:           "tunnelagent",
		Short:         "Reverse tunnel agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	// Claim "help" without its default "h" shorthand first: cobra only
	// registers its own -h/--help if "help" isn't already defined, and
	// the spec needs "-h" free for --host.
	cmd.Flags().Bool("help", false, "help for "+cmd.Name())
	cmd.Flags().StringArrayVarP(&forwards, "forward", "f", nil, "forward spec <name>|<localTarget> or <name>|<label>|<localTarget> (repeatable)")
	cmd.Flags().StringVarP(&apiKey, "key", "k", "", "relay API key")
	cmd.Flags().StringVarP(&hostname, "host", "h", config.DefaultHostname, "relay hostname")
	cmd.Flags().BoolVarP(&nonSecure, "non-secure", "n", false, "use ws:// instead of wss://")
	cmd.Flags().StringVarP(&logLevel, "log", "l", "info", "log level: trace|debug|info|warn|error")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "shorthand for --log debug")
	cmd.Flags().BoolVarP(&showVer, "version", "v", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVer {
		fmt.Println(version)
		return nil
	}

	if debug {
		logLevel = "debug"
	}
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		logrus.Warnf("%v, defaulting to info", err)
	}
	log := logging.New(level)

	var tunnels []config.TunnelDescriptor
	for _, spec := range forwards {
		t, err := config.ParseForwardSpec(spec)
		if err != nil {
			log.Warnf("skipping forward: %v", err)
			continue
		}
		tunnels = append(tunnels, t)
	}
	if len(tunnels) == 0 {
		return fmt.Errorf("no valid -f/--forward given")
	}
	if apiKey == "" {
		return fmt.Errorf("-k/--key is required")
	}

	clientID, err := config.NewClientID()
	if err != nil {
		return fmt.Errorf("generate client id: %w", err)
	}

	cfg := config.SessionConfig{
		Tunnels:   tunnels,
		APIKey:    apiKey,
		Hostname:  hostname,
		Secure:    !nonSecure,
		UserAgent: "tunnelagent/" + version,
		ClientID:  clientID,
	}

	store := metrics.NewStore(256)
	metricsHook := &metrics.Hook{Store: store}
	pipeline := &hooks.Pipeline{}
	pipeline.AddRequestHook(metricsHook)
	pipeline.AddConnectionHook(metricsHook)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		cancel()
	}()

	go reportLoop(ctx, store, log)

	for _, t := range tunnels {
		log.Infof("forwarding %s -> %s", t.RemoteName, t.LocalTarget)
	}

	sup := supervisor.New(cfg, log, pipeline)
	sup.Run(ctx)

	log.Infof("shut down cleanly")
	return nil
}

func reportLoop(ctx context.Context, store *metrics.Store, log logging.Logger) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Report(log)
		}
	}
}
