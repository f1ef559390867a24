package main

import (
	"context"
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kenburns/client"
	"kenburns/config"
	"kenburns/kenburns"
	"kenburns/loadbalance"
	"kenburns/message"
	"kenburns/middleware"
	"kenburns/registry"
)

type callOptions struct {
	addr    string
	channel string
	args    string
}

func newCallCommand(root *rootOptions) *cobra.Command {
	opts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call [method]",
		Short: "Invoke a method on a channel and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			method := "getPlatformVersion"
			if len(args) == 1 {
				method = args[0]
			}

			var out json.RawMessage
			if err := call(cmd.Context(), cfg, log, opts, method, &out); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "server address; skips etcd discovery")
	cmd.Flags().StringVar(&opts.channel, "channel", kenburns.ChannelName, "channel name")
	cmd.Flags().StringVar(&opts.args, "args", "", "JSON arguments")
	return cmd
}

func call(ctx context.Context, cfg *config.Configuration, log *zap.Logger, opts *callOptions, method string, out any) error {
	var args any
	if opts.args != "" {
		if !json.Valid([]byte(opts.args)) {
			return errors.Errorf("--args is not valid JSON: %s", opts.args)
		}
		args = json.RawMessage(opts.args)
	}

	reg, closeReg, err := callRegistry(cfg, log, opts)
	if err != nil {
		return err
	}
	defer closeReg()

	key := cfg.Client.AffinityKey
	if key == "" {
		key, _ = os.Hostname()
	}
	bal, err := loadbalance.New(cfg.Client.Balancer, key)
	if err != nil {
		return err
	}

	cli := client.NewClient(reg, bal, byte(cfg.CodecType()), cfg.Client.PoolSize)
	defer cli.Close()

	// The retry middleware drives the client call so transient failures are retried.
	invoke := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		err := cli.CallContext(ctx, req.ServiceMethod, args, out)
		if err == nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod}
		}
		var serr *client.ServerError
		if errors.As(err, &serr) {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: serr.Message}
		}
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}
	handler := middleware.RetryMiddleware(cfg.Client.Retries, cfg.Client.RetryBase, log)(invoke)

	if cfg.Middleware.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Middleware.Timeout)
		defer cancel()
	}

	resp := handler(ctx, &message.RPCMessage{ServiceMethod: message.JoinServiceMethod(opts.channel, method)})
	if resp.Failed() {
		return errors.New(resp.Error)
	}
	return nil
}

// callRegistry returns a one-entry static registry for --addr, otherwise etcd.
func callRegistry(cfg *config.Configuration, log *zap.Logger, opts *callOptions) (registry.Registry, func(), error) {
	if opts.addr != "" {
		reg := registry.NewStaticRegistry()
		reg.Register(opts.channel, registry.NewInstance(opts.addr, 1, ""), 0)
		return reg, func() {}, nil
	}
	if !cfg.Etcd.Enabled {
		return nil, nil, errors.New("no --addr given and etcd is disabled")
	}

	etcd, err := registry.NewEtcdRegistryWithConfig(registry.EtcdConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		Prefix:      cfg.Etcd.Prefix,
		DialTimeout: cfg.Etcd.DialTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	return etcd, func() { etcd.Close() }, nil
}
