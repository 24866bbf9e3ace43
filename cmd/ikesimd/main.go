// ikesimd is a small daemon wrapping the ike package: it answers IKEv2
// negotiations (or originates one) over UDP and installs the resulting
// Child SAs through whatever IpsecTransformInstaller it is built with.
// The default installer only logs - wiring a real XFRM backend in is a
// deployment concern, not this binary's.
package main

import (
	"fmt"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"

	"github.com/oxhide/ikev2/metrics"
)

var (
	logLevel    string
	metricsAddr string

	psk      string
	localID  string
	remoteID string
)

var rootCmd = &cobra.Command{
	Use:   "ikesimd",
	Short: "IKEv2/EAP keying daemon",
	Long: `ikesimd negotiates IKEv2 security associations over UDP port 500,
either waiting for initiators (respond) or dialing out to a responder
(initiate), and reports each negotiated Child SA (its SPIs, never its
keys) through its installer hook.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")
	rootCmd.PersistentFlags().StringVar(&psk, "psk", "", "pre-shared key for AUTH")
	rootCmd.PersistentFlags().StringVar(&localID, "local-id", "", "local identity (FQDN)")
	rootCmd.PersistentFlags().StringVar(&remoteID, "remote-id", "", "peer identity (FQDN)")
}

// newLogger builds the process-wide go-kit logger the sessions and the
// transport share, filtered to --log-level.
func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// startMetrics serves the metrics registry if --metrics-addr was given.
func startMetrics(logger log.Logger) {
	if metricsAddr == "" {
		return
	}
	go func() {
		level.Info(logger).Log("msg", "serving metrics", "addr", metricsAddr)
		if err := metrics.StartServer(metricsAddr); err != nil {
			level.Error(logger).Log("msg", "metrics server failed", "err", err)
		}
	}()
}

// checkAuthFlags enforces the flags both subcommands need before any
// socket is opened.
func checkAuthFlags() error {
	if psk == "" {
		return fmt.Errorf("missing required pre-shared key (--psk)")
	}
	if localID == "" || remoteID == "" {
		return fmt.Errorf("missing required identities (--local-id, --remote-id)")
	}
	return nil
}
