package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/rpclink/pkg/config"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/server"
	"github.com/theapemachine/rpclink/pkg/sse"
	"github.com/theapemachine/rpclink/pkg/transport"
	"golang.org/x/sync/errgroup"
)

var (
	portFlag int
	hostFlag string
	tickFlag time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the demonstration methods",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	serveTCPCmd = &cobra.Command{
		Use:   "tcp",
		Short: "Serve delimited JSON-RPC over TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				return serveTCP(ctx, srv, address(0))
			})
		},
	}

	serveWSCmd = &cobra.Command{
		Use:   "ws",
		Short: "Serve JSON-RPC over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				return serveWS(ctx, srv, address(0))
			})
		},
	}

	serveHTTPCmd = &cobra.Command{
		Use:   "http",
		Short: "Serve JSON-RPC over HTTP, with notifications on /events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				return serveHTTP(ctx, srv, address(0))
			})
		},
	}

	serveAllCmd = &cobra.Command{
		Use:   "all",
		Short: "Serve TCP, WebSocket and HTTP on consecutive ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				group, ctx := errgroup.WithContext(ctx)

				group.Go(func() error { return serveTCP(ctx, srv, address(0)) })
				group.Go(func() error { return serveWS(ctx, srv, address(1)) })
				group.Go(func() error { return serveHTTP(ctx, srv, address(2)) })

				return group.Wait()
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.AddCommand(serveTCPCmd, serveWSCmd, serveHTTPCmd, serveAllCmd)

	serveCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 3210, "Port to serve on")
	serveCmd.PersistentFlags().StringVarP(&hostFlag, "host", "H", "0.0.0.0", "Host address to bind to")
	serveCmd.PersistentFlags().DurationVar(&tickFlag, "tick", 0, "Broadcast a tick notification at this interval (0 disables)")

	viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("serve.host", serveCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("serve.tick", serveCmd.PersistentFlags().Lookup("tick"))
}

func address(offset int) string {
	return fmt.Sprintf("%s:%d", viper.GetString("serve.host"), viper.GetInt("serve.port")+offset)
}

/*
runServer builds the server from the config, starts the ticker and runs
serve until interrupted.
*/
func runServer(parent context.Context, serve func(context.Context, *server.Server) error) error {
	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	options, err := config.FromViper(viper.GetViper(), "server")

	if err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	srv := server.New(options, demoRegistry(), server.WithRecorder(recorder))

	srv.OnClientConnected(func(session *server.Session) {
		log.Info("client connected", "session", session.ID(), "remote", session.RemoteAddr())
	})

	srv.OnClientDisconnected(func(session *server.Session) {
		log.Info("client disconnected", "session", session.ID())
	})

	if interval := viper.GetDuration("serve.tick"); interval > 0 {
		go tick(ctx, srv, interval)
	}

	defer srv.Close()

	if err := serve(ctx, srv); err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}

	log.Info("server stopped", "metrics", srv.Metrics().GetMetrics())
	return nil
}

func tick(ctx context.Context, srv *server.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			outcomes := srv.Notify("tick", []int64{now.Unix()})

			for _, outcome := range outcomes {
				if outcome.Err != nil && !stderrors.Is(outcome.Err, errors.ErrNoClients) {
					log.Warn("tick not delivered", "session", outcome.Session, "error", outcome.Err)
				}
			}
		}
	}
}

func serveTCP(ctx context.Context, srv *server.Server, addr string) error {
	log.Info("serving tcp", "addr", addr)
	return transport.ListenTCP(ctx, addr, srv)
}

func serveWS(ctx context.Context, srv *server.Server, addr string) error {
	httpServer := &http.Server{
		Addr: addr,
		Handler: transport.WSHandler(srv, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("serving websocket", "addr", addr)

	if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func serveHTTP(ctx context.Context, srv *server.Server, addr string) error {
	app := transport.NewHTTPServer(srv, transport.WithAccessLog())
	broker := sse.NewBroker(srv)
	app.Handle("/events", broker)

	go func() {
		<-ctx.Done()
		broker.Close()
		app.Shutdown()
	}()

	log.Info("serving http", "addr", addr, "events", "/events")
	return app.Listen(addr)
}

var longServe = `
Serve the demonstration methods add, subtract, echo and sleep.

Examples:
  # Serve over TCP on port 3210
  rpclink serve tcp

  # Serve over HTTP, broadcasting a tick every second on /events
  rpclink serve http --port 8080 --tick 1s

  # Serve TCP, WebSocket and HTTP on ports 3210, 3211 and 3212
  rpclink serve all
`
