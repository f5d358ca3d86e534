// Command rheia-node drives a rheia Client or Server against a real TCP
// socket, demonstrating the connection pool and acceptor end to end.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ccdle12/rheia"
	"github.com/ccdle12/rheia/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "rheia-node",
		Short: "Run a rheia connection-pool client or server acceptor",
	}
	config.BindFlags(root, v)

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newDialCmd(v))
	return root
}

func newLogger(level string) *log.Logger {
	l := log.New(os.Stderr)
	switch level {
	case "debug":
		l.SetLevel(log.DebugLevel)
	case "warn":
		l.SetLevel(log.WarnLevel)
	case "error":
		l.SetLevel(log.ErrorLevel)
	default:
		l.SetLevel(log.InfoLevel)
	}
	return l
}

func rootContext() (*rheia.Context, func()) {
	ctx, cancel := rheia.WithCancel(rheia.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

// echoHandler implements rheia.PacketHandler by mirroring every request
// back as a response on the same nonce, enough to drive rheia-node as a
// standalone demo peer without a real higher-level node.
type echoHandler struct {
	log *log.Logger
}

func (h *echoHandler) HandleServerPacket(ctx *rheia.Context, conn *rheia.ServerConn, header rheia.Header, body io.Reader) error {
	buf := make([]byte, header.Len)
	if _, err := io.ReadFull(body, buf); err != nil && header.Len > 0 {
		return err
	}
	if header.Op != rheia.OpRequest {
		return nil
	}
	frame := rheia.EncodePacket(rheia.Packet{
		Header: rheia.Header{Nonce: header.Nonce, Op: rheia.OpResponse, Tag: header.Tag},
		Body:   buf,
	}, nil)
	if _, err := conn.Write(frame); err != nil {
		return err
	}
	conn.Flush()
	h.log.Debug("echoed packet", "nonce", header.Nonce, "tag", header.Tag)
	return nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept inbound connections and echo packets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			addr, err := rheia.ParseAddress(cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen address: %w", err)
			}

			logger := newLogger(cfg.LogLevel)
			srv := rheia.NewServer(&echoHandler{log: logger}, rheia.WithServerLogger(logger))

			ctx, cancel := rootContext()
			defer cancel()

			logger.Info("serving", "addr", addr.String())
			return srv.Serve(ctx, addr)
		},
	}
}

func newDialCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "dial",
		Short: "Maintain an outbound pool toward a remote address and send a ping",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			addr, err := rheia.ParseAddress(cfg.DialAddr)
			if err != nil {
				return fmt.Errorf("dial address: %w", err)
			}

			logger := newLogger(cfg.LogLevel)
			ctx, cancel := rootContext()
			defer cancel()

			client := rheia.NewClient(ctx, addr,
				rheia.WithLogger(logger),
				rheia.WithTargetCapacity(cfg.TargetCapacity),
				rheia.WithBreaker(cfg.BreakerMaxFails, cfg.BreakerResetMs),
			)
			defer client.Shutdown()

			resp, err := client.Call(ctx, rheia.TagPing, []byte("ping"))
			if err != nil {
				return fmt.Errorf("call: %w", err)
			}
			logger.Info("received response", "body", string(resp))
			return nil
		},
	}
}
