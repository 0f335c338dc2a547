package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/guseggert/instruments/config"
	"github.com/guseggert/instruments/device/simctl"
	"github.com/guseggert/instruments/internal/tracing"
	"github.com/guseggert/instruments/session"
	"github.com/guseggert/instruments/session/channel"
	"github.com/guseggert/instruments/tool"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:  "instrumentsd",
		Usage: "runs automation sessions against an iOS simulator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path of the YAML config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides the configured log level.",
			},
			&cli.StringFlag{
				Name:  "trace-file",
				Usage: "Write lifecycle spans to this file.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "warmup",
				Usage:  "Check that the tool can run a script against the simulator.",
				Action: warmUp,
			},
			{
				Name: "run",
				Usage: "Start a session and execute scripts read from stdin, one per line. " +
					`A line of the form ":screenshot <file>" saves a screenshot instead.`,
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type env struct {
	cfg    *config.Config
	log    *zap.Logger
	runner *simctl.ShellRunner
}

func setup(c *cli.Context) (*env, error) {
	cfg := config.Default()
	if p := c.String("config"); p != "" {
		var err error
		cfg, err = config.Load(p)
		if err != nil {
			return nil, err
		}
	}
	if l := c.String("log-level"); l != "" {
		cfg.LogLevel = l
	}
	if f := c.String("trace-file"); f != "" {
		cfg.TraceFile = f
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	if cfg.TraceFile != "" {
		_, err := tracing.Init("instrumentsd", version, cfg.TraceFile)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
	}

	runner, err := simctl.NewShellRunner(c.Context, cfg.Device.CommandTimeout)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: logger, runner: runner}, nil
}

func (e *env) newSession() *session.Controller {
	cfg := e.cfg
	loaderOpts := []tool.Option{tool.WithLogger(e.log)}
	if cfg.Instruments.Path != "" {
		loaderOpts = append(loaderOpts, tool.WithPath(cfg.Instruments.Path))
	} else if wd, err := os.Getwd(); err == nil {
		loaderOpts = append(loaderOpts, tool.WithSearchDir(wd))
	}

	preparer := simctl.New(e.runner, cfg.Device.UDID,
		simctl.WithLogger(e.log),
		simctl.WithBundleID(cfg.Application.BundleID),
		simctl.WithLockDir(cfg.Device.LockDir),
	)
	app := simctl.NewApp(cfg.Application.Path, e.runner)

	return session.New(app, preparer, cfg.Device.Descriptor,
		session.WithLogger(e.log),
		session.WithUDID(cfg.Device.UDID),
		session.WithHandshakeTimeout(cfg.Session.HandshakeTimeout),
		session.WithPort(cfg.Session.Port),
		session.WithPollWait(cfg.Session.PollWait),
		session.WithResolver(tool.NewLoader(loaderOpts...)),
		session.WithVersion(cfg.Instruments.Version),
		session.WithTemplate(cfg.Instruments.Template),
		session.WithEnvParams(cfg.ExtraArgs()...),
	)
}

func (e *env) close() {
	if err := e.runner.Close(); err != nil {
		e.log.Sugar().Debugf("closing shell: %s", err)
	}
	_ = e.log.Sync()
}

func warmUp(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.newSession().WarmUp(ctx)
}

func run(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := e.newSession()
	defer func() {
		if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
			e.log.Sugar().Warnf("stopping session: %s", err)
		}
	}()
	err = s.Start(ctx)
	if err != nil {
		return err
	}
	e.log.Sugar().Infow("session running", "SessionID", s.ID(), "ChannelURL", s.ChannelURL())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if file, found := strings.CutPrefix(line, ":screenshot "); found {
			png, err := s.Screenshots().Take(ctx)
			if err != nil {
				return err
			}
			err = os.WriteFile(strings.TrimSpace(file), png, 0o644)
			if err != nil {
				return fmt.Errorf("saving screenshot: %w", err)
			}
			continue
		}

		resp, err := s.ExecuteCommand(ctx, channel.Request{Script: line})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		err = enc.Encode(resp)
		if err != nil {
			return err
		}
	}
}
