// Command patchwire-server runs the patchwire command server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kardianos/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"patchwire/config"
	"patchwire/discovery"
	"patchwire/hotpatch"
	"patchwire/logging"
	"patchwire/middleware"
	"patchwire/server"
	"patchwire/version"
	"patchwire/worker"
)

func main() {
	app := &cli.App{
		Name:    "patchwire-server",
		Usage:   "serve remote actions and accept live worker updates",
		Version: version.Server,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file (.json, .yaml)", EnvVars: []string{"PATCHWIRE_CONFIG"}},
			&cli.StringFlag{Name: "addr", Usage: "listen address"},
			&cli.StringFlag{Name: "worker", Usage: "worker manifest path"},
			&cli.StringFlag{Name: "digest", Usage: "checksum algorithm: md5, sha256, xxhash"},
			&cli.BoolFlag{Name: "watch", Usage: "reload the worker when the file changes on disk"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, error"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoint to register with (repeatable)"},
			&cli.StringFlag{Name: "advertise", Usage: "address published to etcd"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
		Commands: []*cli.Command{
			{
				Name:      "service",
				Usage:     "manage the server as a system service",
				ArgsUsage: "install|uninstall|start|stop|run",
				Action: func(c *cli.Context) error {
					cfg, logger, err := setup(c)
					if err != nil {
						return err
					}
					defer logger.Sync()
					return handleServiceCmd(c.Args().First(), c.String("config"), cfg, logger)
				},
			},
			{
				Name:      "checksum",
				Usage:     "print the checksum update_slave expects for a worker file",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					d, err := hotpatch.ParseDigest(cfg.Digest)
					if err != nil {
						return err
					}
					sum, err := d.SumFile(c.Args().First())
					if err != nil {
						return err
					}
					fmt.Println(sum)
					return nil
				},
			},
			{
				Name:  "kinds",
				Usage: "list the handler kinds a worker manifest can use",
				Action: func(c *cli.Context) error {
					for _, k := range worker.NewCatalog().Kinds() {
						fmt.Println(k)
					}
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "check that a worker manifest builds",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					content, err := os.ReadFile(c.Args().First())
					if err != nil {
						return err
					}
					table, err := worker.NewCatalog().Build(content)
					if err != nil {
						return err
					}
					fmt.Printf("worker %s: %d actions\n", table.Version(), table.Len())
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
		if !c.IsSet("advertise") && cfg.Etcd.Enabled() {
			cfg.AdvertiseAddr = cfg.Addr
		}
	}
	if c.IsSet("worker") {
		cfg.WorkerPath = c.String("worker")
		cfg.BackupPath = cfg.WorkerPath + ".bak"
	}
	if c.IsSet("digest") {
		cfg.Digest = c.String("digest")
	}
	if c.IsSet("watch") {
		cfg.Watch = c.Bool("watch")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("etcd") {
		cfg.Etcd.Endpoints = c.StringSlice("etcd")
	}
	if c.IsSet("advertise") {
		cfg.AdvertiseAddr = c.String("advertise")
	}
	return cfg, nil
}

func setup(c *cli.Context) (config.ServerConfig, *zap.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

// run serves until ctx is done, then shuts down.
func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	digest, err := hotpatch.ParseDigest(cfg.Digest)
	if err != nil {
		return err
	}

	catalog := worker.NewCatalog(worker.WithLogger(logger))
	patcher, err := hotpatch.Open(cfg.WorkerPath, catalog,
		hotpatch.WithLogger(logger),
		hotpatch.WithDigest(digest),
		hotpatch.WithBackupPath(cfg.BackupPath),
		hotpatch.WithBootstrap(worker.DefaultManifest),
	)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithFramer(cfg.Frame.Framer()),
		server.WithMiddleware(middleware.LoggingMiddleware(logger)),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)))
	}
	if cfg.Etcd.Enabled() {
		reg, err := discovery.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout(),
			discovery.WithLogger(logger),
			discovery.WithPrefix(cfg.Etcd.Prefix),
		)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseAddr, cfg.Weight, cfg.TTLSec))
	}

	srv, err := server.New(patcher, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Addr)
	})
	if cfg.Watch {
		g.Go(func() error {
			return patcher.Watch(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(cfg.ShutdownTimeout())
	})
	return g.Wait()
}

// program adapts run to the service manager.
type program struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		err := run(ctx, p.cfg, p.logger)
		if err != nil {
			p.logger.Error("server stopped", zap.Error(err))
		}
		p.done <- err
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.cancel()
	return <-p.done
}

func handleServiceCmd(cmd, configPath string, cfg config.ServerConfig, logger *zap.Logger) error {
	args := []string{"service", "run"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		args = append([]string{"--config", abs}, args...)
	}

	svcCfg := &service.Config{
		Name:        "patchwire",
		DisplayName: "patchwire server",
		Description: "Serves remote actions and accepts live worker updates.",
		Arguments:   args,
		Option:      service.KeyValue{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	s, err := service.New(&program{cfg: cfg, logger: logger}, svcCfg)
	if err != nil {
		return err
	}

	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %q", cmd)
	}
}
