package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"

	ike "github.com/oxhide/ikev2"
	"github.com/oxhide/ikev2/internal/ratelimit"
	"github.com/oxhide/ikev2/protocol"
	"github.com/oxhide/ikev2/transport"
)

var (
	respondListen string
	respondNatT   bool
	throttleInit  bool
	throttleRps   float64
	throttleBurst int
)

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Wait for initiators and answer their negotiations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAuthFlags(); err != nil {
			return err
		}
		return runRespond()
	},
}

func init() {
	respondCmd.Flags().StringVar(&respondListen, "listen", ":500", "local UDP address to bind")
	respondCmd.Flags().BoolVar(&respondNatT, "natt", false, "bind as the NAT-T encapsulation socket (non-ESP marker framing)")
	respondCmd.Flags().BoolVar(&throttleInit, "throttle-init", false, "demand COOKIE proof-of-liveness from busy source addresses")
	respondCmd.Flags().Float64Var(&throttleRps, "throttle-rps", 2, "per-source IKE_SA_INIT admission rate when throttling")
	respondCmd.Flags().IntVar(&throttleBurst, "throttle-burst", 4, "per-source IKE_SA_INIT admission burst when throttling")
	rootCmd.AddCommand(respondCmd)
}

func runRespond() error {
	logger := newLogger()
	startMetrics(logger)

	sock, err := transport.Listen("udp4", respondListen, respondNatT, logger)
	if err != nil {
		return err
	}
	defer sock.Close()
	level.Info(logger).Log("msg", "listening", "addr", sock.LocalAddr())

	var throttle *ratelimit.Throttle
	if throttleInit {
		throttle = ratelimit.New(throttleRps, throttleBurst)
	}

	d := &dispatcher{
		logger:   logger,
		throttle: throttle,
		sock:     sock,
		sessions: make(map[string]*ike.Session),
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		level.Info(logger).Log("msg", "shutting down")
		d.closeAll()
		sock.Close()
	}()

	for {
		msg, err := ike.ReadMessage(sock)
		if err != nil {
			if d.closed() {
				return nil
			}
			level.Warn(logger).Log("msg", "read failed", "err", err)
			return err
		}
		d.dispatch(msg)
	}
}

// dispatcher routes inbound messages to the responder Session owning
// their initiator SPI, creating one per fresh IKE_SA_INIT request.
type dispatcher struct {
	logger   log.Logger
	throttle *ratelimit.Throttle
	sock     *transport.UDPSocket

	mu       sync.Mutex
	sessions map[string]*ike.Session
	shutdown bool
}

func (d *dispatcher) dispatch(msg *ike.Message) {
	key := fmt.Sprintf("%x", []byte(msg.IkeHeader.SpiI))

	d.mu.Lock()
	sess, ok := d.sessions[key]
	if ok && sess.State() == ike.StateClosed {
		delete(d.sessions, key)
		sess, ok = nil, false
	}
	if !ok {
		if d.shutdown ||
			msg.IkeHeader.ExchangeType != protocol.IKE_SA_INIT ||
			msg.IkeHeader.Flags.IsResponse() {
			d.mu.Unlock()
			return
		}
		var err error
		sess, err = d.newSession(msg)
		if err != nil {
			d.mu.Unlock()
			level.Error(d.logger).Log("msg", "session setup failed", "err", err)
			return
		}
		d.sessions[key] = sess
		go sess.Run()
	}
	d.mu.Unlock()

	sess.PostMessage(msg)
}

func (d *dispatcher) newSession(msg *ike.Message) (*ike.Session, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, err
	}
	cfg.ThrottleInitRequests = d.throttle != nil
	return ike.NewResponder(context.Background(), cfg, msg.RemoteAddr, ike.SessionDeps{
		Socket:    d.sock,
		Installer: &logInstaller{logger: d.logger},
		Logger:    log.With(d.logger, "role", "responder", "peer", msg.RemoteAddr),
		Throttle:  d.throttle,
	})
}

func (d *dispatcher) closeAll() {
	d.mu.Lock()
	d.shutdown = true
	sessions := make([]*ike.Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.mu.Unlock()
	for _, sess := range sessions {
		sess.Close(nil)
	}
}

func (d *dispatcher) closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown
}
