// Command jobmux-echo is a worker for local testing. It answers every job
// with the job itself, or with a transformed value when --apply is set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobmux/pkg/config"
	"jobmux/pkg/core/netstack"
	"jobmux/pkg/observability"
	"jobmux/pkg/protocol/codec"
	"jobmux/pkg/worker"
)

var transforms = map[string]func(any) (any, error){
	"upper": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("upper: job is %T, not a string", v)
		}
		return strings.ToUpper(s), nil
	},
	"reverse": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("reverse: job is %T, not a string", v)
		}
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	},
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile   string
		listen    string
		backend   string
		apply     string
		codecName string
	)
	cmd := &cobra.Command{
		Use:           "jobmux-echo",
		Short:         "Serve an echo worker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, _, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			h := worker.Echo
			if apply != "" {
				fn, ok := transforms[apply]
				if !ok {
					return fmt.Errorf("unknown transform %q", apply)
				}
				c, err := codec.NewRegistry().Lookup(codecName)
				if err != nil {
					return err
				}
				h = worker.Apply(c, fn)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			l, err := netstack.Listen(ctx, backend, listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			defer l.Close()
			zap.L().Info("jobmux-echo started", zap.String("backend", backend), zap.String("uri", listen), zap.String("apply", apply))
			if err := worker.Serve(ctx, l, h); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file for logging settings")
	f.StringVar(&listen, "listen", "tcp://127.0.0.1:5000", "uri to serve: tcp://, ipc://, inproc://, quic://")
	f.StringVar(&backend, "backend", netstack.BackendZMQ, "transport backend: zmq, native")
	f.StringVar(&apply, "apply", "", "transform applied to each job: upper, reverse (default echo)")
	f.StringVar(&codecName, "codec", codec.DefaultName, "codec of jobs when --apply is set")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
