package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobmux/pkg/client"
	"jobmux/pkg/config"
	"jobmux/pkg/core/netstack"
	"jobmux/pkg/discovery"
	"jobmux/pkg/observability"
	"jobmux/pkg/protocol"
	"jobmux/pkg/protocol/codec"
)

// app is the state shared by subcommands once the root pre-run has loaded the
// configuration.
type app struct {
	cfgFile string
	verbose bool
	timeout time.Duration

	// flag overrides, applied when set
	coordinator string
	workflow    string
	compression string
	codecName   string
	backend     string

	cfg    *config.Config
	logger *zap.Logger
	codecs *codec.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{codecs: codec.NewRegistry()}
	root := &cobra.Command{
		Use:           "jobmux",
		Short:         "Submit jobs to workflow workers and inspect their topology",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default ./jobmux.yaml, $JOBMUX_CONFIG)")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")
	f.DurationVar(&a.timeout, "timeout", time.Minute, "overall deadline of the command")
	f.StringVar(&a.coordinator, "coordinator", "", "coordinator host:port")
	f.StringVarP(&a.workflow, "workflow", "w", "", "workflow id")
	f.StringVar(&a.compression, "compression", "", "job compression: none, gzip, snappy, lzma2")
	f.StringVar(&a.codecName, "codec", "", "job codec: pickle, json, cbor, proto")
	f.StringVar(&a.backend, "backend", "", "transport backend: zmq, native")

	root.AddCommand(
		newNodesCmd(a),
		newExecuteCmd(a),
		newSubmitCmd(a),
		newConfigCmd(a),
		newChecksumCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.coordinator != "" {
		host, port, err := splitHostPort(a.coordinator)
		if err != nil {
			return err
		}
		cfg.Coordinator = config.CoordinatorConfig{Host: host, Port: port}
	}
	if a.workflow != "" {
		cfg.Workflow = a.workflow
	}
	if a.compression != "" {
		cfg.Compression = a.compression
	}
	if a.codecName != "" {
		cfg.Codec = a.codecName
	}
	if a.backend != "" {
		cfg.Transport.Backend = a.backend
	}
	a.cfg = cfg

	logger, level, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	if a.verbose {
		level.SetLevel(zap.DebugLevel)
	}
	a.logger = logger
	zap.L().Debug("configuration loaded", zap.String("command", cmd.Name()), zap.String("workflow", cfg.Workflow))
	return nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

// source builds the configured topology source. The returned func releases
// any connection it holds.
func (a *app) source() (discovery.Source, func(), error) {
	switch a.cfg.Discovery.Source {
	case config.SourceEtcd:
		cli, err := discovery.DialEtcd(a.cfg.Discovery.Etcd.Endpoints, a.cfg.DiscoveryTimeout())
		if err != nil {
			return nil, nil, err
		}
		src := discovery.NewEtcdSource(cli, a.cfg.Discovery.Etcd.Prefix)
		src.Log = a.logger
		return src, func() { _ = cli.Close() }, nil
	default:
		c := discovery.NewClient(a.cfg.CoordinatorAddr())
		c.Timeout = a.cfg.DiscoveryTimeout()
		c.Log = a.logger
		return c, func() {}, nil
	}
}

func (a *app) jobCompression() (protocol.Compression, error) {
	return protocol.ParseCompression(a.cfg.Compression)
}

// session connects a client session for the configured workflow.
func (a *app) session(ctx context.Context) (*client.Session, func(), error) {
	if a.cfg.Workflow == "" {
		return nil, nil, fmt.Errorf("no workflow configured (--workflow or workflow:)")
	}
	c, err := a.codecs.Lookup(a.cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	t := a.cfg.Transport
	d, err := netstack.NewDialer(t.Backend, netstack.Options{
		DialTimeout:    t.DialTimeout(),
		Retries:        t.DialRetries,
		BackoffInitial: t.BackoffInitial(),
		BackoffMax:     t.BackoffMax(),
		BackoffJitter:  t.BackoffJitter(),
		Logger:         a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	src, release, err := a.source()
	if err != nil {
		return nil, nil, err
	}
	s := client.New(client.Options{
		Dialer:          d,
		Codec:           c,
		LocalHost:       a.cfg.LocalHost,
		RefreshInterval: a.cfg.RefreshInterval,
		MaxPayload:      a.cfg.MaxPayload(),
		Logger:          a.logger,
	})
	if err := s.ConnectSource(ctx, src, a.cfg.Workflow); err != nil {
		release()
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(ctx); err != nil {
			zap.L().Warn("close session", zap.Error(err))
		}
		release()
	}, nil
}
