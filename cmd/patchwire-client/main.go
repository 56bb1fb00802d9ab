// Command patchwire-client calls actions on a patchwire server.
//
// Without a subcommand it opens an interactive session: the server's actions
// are listed, then each line names an action whose parameters are prompted
// for in turn. FILE parameters take a local path.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/term"

	"patchwire/client"
	"patchwire/config"
	"patchwire/discovery"
	"patchwire/dispatch"
	"patchwire/hotpatch"
	"patchwire/loadbalance"
	"patchwire/logging"
	"patchwire/message"
	"patchwire/version"
)

func main() {
	app := &cli.App{
		Name:    "patchwire-client",
		Usage:   "call actions on a patchwire server",
		Version: version.Client,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file (.json, .yaml)", EnvVars: []string{"PATCHWIRE_CLIENT_CONFIG"}},
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "server address"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "discover servers through etcd instead of --server (repeatable)"},
			&cli.StringFlag{Name: "balancer", Usage: "round_robin, weighted_random or consistent_hash"},
			&cli.StringFlag{Name: "digest", Usage: "checksum algorithm: md5, sha256, xxhash"},
			&cli.DurationFlag{Name: "timeout", Usage: "per call timeout, 0 for none"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, error"},
		},
		Action: func(c *cli.Context) error {
			return withClient(c, shell)
		},
		Commands: []*cli.Command{
			{
				Name:  "actions",
				Usage: "list the server's actions",
				Action: func(c *cli.Context) error {
					return withClient(c, listActions)
				},
			},
			{
				Name:      "call",
				Usage:     "call an action; FILE parameters are given as name=@path",
				ArgsUsage: "ACTION [name=value ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "where to write a file response"},
				},
				Action: func(c *cli.Context) error {
					return withClient(c, callAction)
				},
			},
			{
				Name:      "update",
				Usage:     "upload a new worker manifest",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					return withClient(c, updateWorker)
				},
			},
			{
				Name:      "check",
				Usage:     "compare the server's worker with a local file or checksum",
				ArgsUsage: "FILE|CHECKSUM",
				Action: func(c *cli.Context) error {
					return withClient(c, checkWorker)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type session struct {
	cli     *cli.Context
	cfg     config.ClientConfig
	client  *client.Client
	digest  hotpatch.Digest
	timeout time.Duration
}

// ctx returns a context bounded by the configured call timeout.
func (s *session) ctx() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(s.cli.Context, s.timeout)
	}
	return context.WithCancel(s.cli.Context)
}

func loadConfig(c *cli.Context) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("server") {
		cfg.Addr = c.String("server")
	}
	if c.IsSet("etcd") {
		cfg.Etcd.Endpoints = c.StringSlice("etcd")
	}
	if c.IsSet("balancer") {
		cfg.Balancer = c.String("balancer")
	}
	if c.IsSet("digest") {
		cfg.Digest = c.String("digest")
	}
	if c.IsSet("timeout") {
		cfg.TimeoutSec = int(c.Duration("timeout").Seconds())
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, nil
}

func withClient(c *cli.Context, fn func(s *session) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !c.IsSet("log-level") && cfg.Log.Level == "info" {
		// Keep the terminal for results unless asked otherwise
		cfg.Log.Level = "warn"
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	digest, err := hotpatch.ParseDigest(cfg.Digest)
	if err != nil {
		return err
	}

	s := &session{cli: c, cfg: cfg, digest: digest, timeout: cfg.Timeout()}
	ctx, cancel := s.ctx()
	s.client, err = dial(ctx, cfg, logger, digest)
	cancel()
	if err != nil {
		return err
	}
	defer s.client.Close()
	return fn(s)
}

func dial(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger, digest hotpatch.Digest) (*client.Client, error) {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithFramer(cfg.Frame.Framer()),
		client.WithDigest(digest),
	}
	if !cfg.Etcd.Enabled() {
		return client.Dial(ctx, cfg.Addr, opts...)
	}

	reg, err := discovery.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout(),
		discovery.WithLogger(logger),
		discovery.WithPrefix(cfg.Etcd.Prefix),
	)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	host, _ := os.Hostname()
	bal, err := loadbalance.New(cfg.Balancer, host)
	if err != nil {
		return nil, err
	}
	return client.DialDiscovered(ctx, reg, bal, opts...)
}

func listActions(s *session) error {
	ctx, cancel := s.ctx()
	defer cancel()
	infos, err := s.client.Actions(ctx)
	if err != nil {
		return err
	}
	printActions(os.Stdout, infos)
	return nil
}

func printActions(w io.Writer, infos []message.ActionInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tPARAMS\tRESPONSE")
	for _, info := range infos {
		params := make([]string, len(info.Params))
		for i, p := range info.Params {
			params[i] = p.Name + ":" + string(p.Type)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, strings.Join(params, ", "), info.ResponseType)
	}
	tw.Flush()
}

// parseParams turns name=value arguments into request params. A value
// starting with @ is read from that path and sent as a FILE value.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", arg)
		}
		if path, isFile := strings.CutPrefix(value, "@"); isFile {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			value = message.EncodeFile(data)
		}
		params[name] = value
	}
	return params, nil
}

func callAction(s *session) error {
	if s.cli.NArg() == 0 {
		return errors.New("missing action name")
	}
	params, err := parseParams(s.cli.Args().Tail())
	if err != nil {
		return err
	}

	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Call(ctx, s.cli.Args().First(), params)
	if err != nil {
		return err
	}
	return printResponse(os.Stdout, resp, s.cli.String("out"))
}

// printResponse shows resp, writing file responses to out when given.
func printResponse(w io.Writer, resp *message.Response, out string) error {
	if resp.Type == message.TypeFile && resp.Success {
		data, err := resp.File()
		if err != nil {
			return err
		}
		if out == "" {
			fmt.Fprintf(w, "received %d bytes (use --out to save)\n", len(data))
			return nil
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "saved %d bytes to %s\n", len(data), out)
		return nil
	}

	status := "ok"
	if !resp.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "[%s] %s\n", status, resp.Text())
	return nil
}

func updateWorker(s *session) error {
	path := s.cli.Args().First()
	if path == "" {
		return errors.New("missing worker file")
	}
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.UpdateWorkerFile(ctx, path)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Text())
	}
	fmt.Printf("%s (worker %s)\n", resp.Text(), resp.WorkerVersion)
	return nil
}

func checkWorker(s *session) error {
	arg := s.cli.Args().First()
	if arg == "" {
		return errors.New("missing file or checksum")
	}
	checksum := arg
	if _, err := os.Stat(arg); err == nil {
		if checksum, err = s.digest.SumFile(arg); err != nil {
			return err
		}
	}

	ctx, cancel := s.ctx()
	defer cancel()
	ok, err := s.client.CheckWorker(ctx, checksum)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("worker checksum mismatch (%s %s)", s.digest, checksum)
	}
	fmt.Println("worker checksum matches")
	return nil
}

var errInputClosed = errors.New("input closed")

// promptParams asks for every parameter of info. FILE parameters are read
// from the entered path; an unreadable file abandons the whole action.
func promptParams(prompt func(string) (string, bool), info *message.ActionInfo) (map[string]string, error) {
	params := make(map[string]string, len(info.Params))
	for _, p := range info.Params {
		label := p.Name
		if p.Type == message.TypeFile {
			label += " (path)"
		}
		value, ok := prompt(fmt.Sprintf("Enter value for %s: ", label))
		if !ok {
			return nil, errInputClosed
		}
		if p.Type == message.TypeFile {
			data, err := os.ReadFile(value)
			if err != nil {
				return nil, fmt.Errorf("cannot read file: %w", err)
			}
			value = message.EncodeFile(data)
		}
		params[p.Name] = value
	}
	return params, nil
}

// shell is the interactive session. Prompts are only printed on a terminal so
// the shell can also be driven from a pipe.
func shell(s *session) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)

	prompt := func(text string) (string, bool) {
		if interactive {
			fmt.Print(text)
		}
		if !in.Scan() {
			return "", false
		}
		return strings.TrimSpace(in.Text()), true
	}

	ctx, cancel := s.ctx()
	infos, err := s.client.Actions(ctx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Println("Available actions:")
	printActions(os.Stdout, infos)

	for {
		name, ok := prompt("Enter action ('exit' to quit): ")
		if !ok {
			return in.Err()
		}
		if name == "" {
			continue
		}

		var info *message.ActionInfo
		for i := range infos {
			if infos[i].Name == name {
				info = &infos[i]
				break
			}
		}
		if info == nil {
			fmt.Println("Invalid action. Please choose a valid action from the list.")
			continue
		}

		params, err := promptParams(prompt, info)
		if errors.Is(err, errInputClosed) {
			return in.Err()
		}
		if err != nil {
			fmt.Println("Error:", err)
			continue
		}

		ctx, cancel := s.ctx()
		resp, err := s.client.Call(ctx, name, params)
		cancel()
		if err != nil {
			return err
		}

		out := ""
		if resp.Type == message.TypeFile && resp.Success {
			out = filepath.Join(".", fmt.Sprintf("%s-%d.bin", name, time.Now().Unix()))
		}
		if err := printResponse(os.Stdout, resp, out); err != nil {
			fmt.Println("Error:", err)
		}

		if name == dispatch.ActionExit {
			return nil
		}
		// The action list changes when the worker is replaced
		if name == hotpatch.ActionUpdate && resp.Success {
			ctx, cancel := s.ctx()
			infos, err = s.client.Actions(ctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
