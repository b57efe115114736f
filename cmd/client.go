package cmd

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/rpclink/pkg/client"
	"github.com/theapemachine/rpclink/pkg/config"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/sse"
	"github.com/theapemachine/rpclink/pkg/transport"
)

var (
	transportFlag string
	addressFlag   string
	paramsFlag    string
	eventsFlag    string
	notifyFlags   []string

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Issue JSON-RPC calls against a server",
		Long:  longClient,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	callCmd = &cobra.Command{
		Use:   "call <method>",
		Short: "Call a method and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, rpc *client.Client) error {
				params, err := parseParams(paramsFlag)

				if err != nil {
					return err
				}

				message, err := rpc.Send(ctx, args[0], params)

				if err != nil {
					return err
				}

				fmt.Println(string(message.Result))
				return nil
			})
		},
	}

	notifyCmd = &cobra.Command{
		Use:   "notify <method>",
		Short: "Send a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, rpc *client.Client) error {
				params, err := parseParams(paramsFlag)

				if err != nil {
					return err
				}

				return rpc.Notify(ctx, args[0], params)
			})
		},
	}

	batchCmd = &cobra.Command{
		Use:   "batch <method[=params]>...",
		Short: "Send several requests as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, rpc *client.Client) error {
				requests, err := buildBatch(rpc, args, notifyFlags)

				if err != nil {
					return err
				}

				messages, err := rpc.Batch(ctx, requests)

				var batchErr *jsonrpc.BatchError

				if err != nil && !stderrors.As(err, &batchErr) {
					return err
				}

				for _, message := range messages {
					fmt.Println(string(message.Raw))
				}

				return err
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(clientCmd)
	clientCmd.AddCommand(callCmd, notifyCmd, batchCmd)

	clientCmd.PersistentFlags().StringVarP(&transportFlag, "transport", "t", "tcp", "Transport to use: tcp, ws or http")
	clientCmd.PersistentFlags().StringVarP(&addressFlag, "address", "a", "", "Server address (host:port for tcp, URL otherwise)")
	clientCmd.PersistentFlags().StringVarP(&paramsFlag, "params", "P", "", "Params as a JSON array or object")
	clientCmd.PersistentFlags().StringVar(&eventsFlag, "events", "", "Event stream URL to receive notifications over http")

	batchCmd.Flags().StringArrayVar(&notifyFlags, "notify", nil, "Add a notification to the batch (method[=params])")
}

/*
withClient connects a client with the configured options, runs fn and
ends the connection.
*/
func withClient(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	options, err := config.FromViper(viper.GetViper(), "client")

	if err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	dialer, err := dialerFor(transportFlag, addressFlag)

	if err != nil {
		return err
	}

	rpc := client.New(dialer, options, client.WithRecorder(recorder))

	rpc.Subscribe("tick", func(message jsonrpc.Message) {
		log.Info("tick", "params", string(message.Params))
	})

	addr, err := rpc.Connect(ctx)

	if err != nil {
		return fmt.Errorf("connect %s: %w", dialer.Address(), err)
	}

	log.Debug("connected", "addr", addr)
	defer rpc.End()

	return fn(ctx, rpc)
}

func dialerFor(kind, addr string) (transport.Dialer, error) {
	port := viper.GetInt("serve.port")

	switch kind {
	case "tcp":
		if addr == "" {
			addr = fmt.Sprintf("127.0.0.1:%d", port)
		}

		return transport.NewTCPDialer(addr), nil
	case "ws":
		if addr == "" {
			addr = fmt.Sprintf("ws://127.0.0.1:%d/", port)
		}

		return transport.NewWSDialer(addr), nil
	case "http":
		if addr == "" {
			addr = fmt.Sprintf("http://127.0.0.1:%d/", port)
		}

		if eventsFlag != "" {
			return sse.NewDialer(addr, eventsFlag), nil
		}

		return transport.NewHTTPDialer(addr), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func parseParams(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("params are not valid JSON: %s", raw)
	}

	return json.RawMessage(raw), nil
}

func buildBatch(rpc *client.Client, requests, notifications []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(requests)+len(notifications))

	for _, arg := range requests {
		method, params, err := splitElement(arg)

		if err != nil {
			return nil, err
		}

		element, err := rpc.Request(method, params)

		if err != nil {
			return nil, err
		}

		out = append(out, element)
	}

	for _, arg := range notifications {
		method, params, err := splitElement(arg)

		if err != nil {
			return nil, err
		}

		element, err := rpc.Notification(method, params)

		if err != nil {
			return nil, err
		}

		out = append(out, element)
	}

	return out, nil
}

func splitElement(element string) (string, any, error) {
	method, raw, _ := strings.Cut(element, "=")
	params, err := parseParams(raw)
	return method, params, err
}

var longClient = `
Issue calls, notifications and batches against an rpclink server.

Examples:
  # Call add over TCP
  rpclink client call add --params '[1,2]'

  # Send a batch over WebSocket
  rpclink client batch 'add=[1,2]' 'echo=["hi"]' --notify tick -t ws

  # Call over HTTP while listening for broadcasts
  rpclink client call sleep --params '[2000]' -t http --events http://127.0.0.1:3210/events
`
