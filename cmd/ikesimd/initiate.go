package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"

	ike "github.com/oxhide/ikev2"
	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
	"github.com/oxhide/ikev2/transport"
)

var (
	initiateListen string
	initiateNatT   bool
	transportMode  bool
)

var initiateCmd = &cobra.Command{
	Use:   "initiate remote_addr",
	Short: "Dial a responder and negotiate an IKE SA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAuthFlags(); err != nil {
			return err
		}
		return runInitiate(args[0])
	},
}

func init() {
	initiateCmd.Flags().StringVar(&initiateListen, "listen", ":500", "local UDP address to bind")
	initiateCmd.Flags().BoolVar(&initiateNatT, "natt", false, "bind as the NAT-T encapsulation socket (non-ESP marker framing)")
	initiateCmd.Flags().BoolVar(&transportMode, "transport", false, "negotiate transport mode instead of tunnel")
	rootCmd.AddCommand(initiateCmd)
}

func runInitiate(remote string) error {
	logger := newLogger()
	startMetrics(logger)

	raddr, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		return err
	}
	sock, err := transport.Listen("udp4", initiateListen, initiateNatT, logger)
	if err != nil {
		return err
	}
	defer sock.Close()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	sess, err := ike.NewInitiator(context.Background(), cfg, raddr, ike.SessionDeps{
		Socket:    sock,
		Installer: &logInstaller{logger: logger},
		Logger:    log.With(logger, "role", "initiator"),
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		level.Info(logger).Log("msg", "shutting down")
		sess.Close(nil)
	}()

	// Run drains the session's outgoing writes; closing the socket when
	// it returns is what unblocks the foreground read loop below.
	go func() {
		sess.Run()
		sock.Close()
	}()

	for {
		msg, err := ike.ReadMessage(sock)
		if err != nil {
			if sess.State() == ike.StateClosed {
				return nil
			}
			return err
		}
		sess.PostMessage(msg)
	}
}

// buildConfig assembles the session Config both subcommands share:
// default proposals and lifetimes, PSK identities from the flags, and
// an accept-everything IPv4 selector pair.
func buildConfig() (*ike.Config, error) {
	cfg := ike.DefaultConfig()
	cfg.IsTransportMode = transportMode
	cfg.Psk = []byte(psk)
	cfg.LocalID = &ike.Identity{IdType: protocol.ID_FQDN, Data: []byte(localID)}
	cfg.RemoteID = &ike.Identity{IdType: protocol.ID_FQDN, Data: []byte(remoteID)}
	allV4 := &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
	if err := cfg.AddSelector(allV4, allV4); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logInstaller is the default IpsecTransformInstaller: it reports what
// would be programmed into the packet path, SPIs only, never keys.
type logInstaller struct {
	logger log.Logger
}

var _ platform.IpsecTransformInstaller = (*logInstaller)(nil)

func (l *logInstaller) InstallChildSa(sa *platform.SaParams, dir platform.SaDirection) error {
	level.Info(l.logger).Log("msg", "child sa negotiated",
		"spi_i", fmt.Sprintf("%x", sa.EspSpiI), "spi_r", fmt.Sprintf("%x", sa.EspSpiR),
		"dir", dir, "transport", sa.IsTransportMode)
	return nil
}

func (l *logInstaller) RemoveChildSa(sa *platform.SaParams) error {
	level.Info(l.logger).Log("msg", "child sa removed",
		"spi_i", fmt.Sprintf("%x", sa.EspSpiI), "spi_r", fmt.Sprintf("%x", sa.EspSpiR))
	return nil
}
