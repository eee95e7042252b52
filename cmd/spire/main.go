package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/infigaming-com/go-spire/config"
	"github.com/infigaming-com/go-spire/observability/metrics"
	"github.com/infigaming-com/go-spire/spire"
	"github.com/infigaming-com/go-spire/spire/spiretest"
	"github.com/infigaming-com/go-spire/util"
	"github.com/infigaming-com/go-spire/web"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var errUsage = stderrors.New("usage")

func main() {
	lg, undo := util.NewLogger()
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, lg, os.Args[1:], os.Stdout); err != nil {
		if !stderrors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		}
		stop()
		undo()
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errUsage
	}
	switch args[0] {
	case "publish":
		return runPublish(ctx, lg, args[1:], out)
	case "subscribe":
		return runSubscribe(ctx, lg, args[1:], out)
	case "serve":
		return runServe(ctx, lg, args[1:])
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	}
	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `spire talks to a spire.io publish/subscribe service.

Usage:
  spire publish [flags] <channel> <message>...
  spire subscribe [flags] <channel>...
  spire serve [flags]

Settings come from --config (YAML), then SPIRE_* environment variables, then
flags. Run "spire <command> --help" for the flags of a command.
`)
}

// clientFlags are shared by the commands that talk to a service.
type clientFlags struct {
	configPath   string
	url          string
	key          string
	secret       string
	timeout      time.Duration
	debug        bool
	otlpEndpoint string
}

func (f *clientFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&f.url, "url", "", "service root URL")
	fs.StringVar(&f.key, "key", "", "account API key")
	fs.StringVar(&f.secret, "secret", "", "account secret, used when no key is set")
	fs.DurationVar(&f.timeout, "timeout", 0, "long-poll window")
	fs.BoolVar(&f.debug, "debug", false, "log every request")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "push client metrics to this OTLP HTTP endpoint (host:port)")
}

// client builds a spire client from the config file, the environment and the
// flags that were set. The returned func releases everything it opened.
func (f *clientFlags) client(ctx context.Context, lg *zap.Logger, fs *pflag.FlagSet) (*spire.Client, func(), error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if fs.Changed("url") {
		cfg.URL = f.url
	}
	if fs.Changed("key") {
		cfg.Key = f.key
	}
	if fs.Changed("secret") {
		cfg.Secret = f.secret
		if !fs.Changed("key") {
			cfg.Key = ""
		}
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if fs.Changed("debug") {
		cfg.Debug = f.debug
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	opts := cfg.Options(lg)
	stores, closeStores, err := cfg.Stores(ctx, lg)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, func() { _ = closeStores() })
	opts = append(opts, stores...)

	if f.otlpEndpoint != "" {
		exp, err := metrics.NewExporter(ctx, metrics.WithOTLPEndpoint(f.otlpEndpoint), metrics.WithServiceName("spire-cli"))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exp.Close(shutdownCtx); err != nil {
				lg.Warn("failed to flush metrics", zap.Error(err))
			}
		})
		rec, err := metrics.NewRecorder(exp.Meter())
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, spire.WithHooks(rec.Hooks()))
	}

	c, err := spire.New(opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, c.Close)
	return c, cleanup, nil
}

// parse handles --help for every command.
func parse(fs *pflag.FlagSet, args []string, usage string) (bool, error) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s\n\nFlags:\n%s", usage, fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func runPublish(ctx context.Context, lg *zap.Logger, args []string, out io.Writer) error {
	var (
		cf      clientFlags
		rawJSON bool
	)
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	cf.add(fs)
	fs.BoolVar(&rawJSON, "json", false, "send the message as JSON instead of a string")
	ok, err := parse(fs, args, "spire publish [flags] <channel> <message>...")
	if !ok {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errUsage
	}
	channel := fs.Arg(0)
	text := strings.Join(fs.Args()[1:], " ")

	var content any = text
	if rawJSON {
		if !json.Valid([]byte(text)) {
			return fmt.Errorf("message is not valid JSON")
		}
		content = json.RawMessage(text)
	}

	c, cleanup, err := cf.client(ctx, lg, fs)
	if err != nil {
		return err
	}
	defer cleanup()

	msg, err := c.Publish(ctx, channel, content)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s\n", color.GreenString("published"), channel, color.CyanString(msg.Key))
	return nil
}

func runSubscribe(ctx context.Context, lg *zap.Logger, args []string, out io.Writer) error {
	var (
		cf          clientFlags
		name        string
		count       int
		pollTimeout time.Duration
		retry       bool
	)
	fs := pflag.NewFlagSet("subscribe", pflag.ContinueOnError)
	cf.add(fs)
	fs.StringVar(&name, "name", "", "named subscription to find or create; anonymous when empty")
	fs.IntVarP(&count, "count", "n", 0, "exit after this many messages")
	fs.DurationVar(&pollTimeout, "poll-timeout", 0, "long-poll window for this listener")
	fs.BoolVar(&retry, "retry", false, "retry failed polls with backoff instead of exiting")
	ok, err := parse(fs, args, "spire subscribe [flags] <channel>...")
	if !ok {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	c, cleanup, err := cf.client(ctx, lg, fs)
	if err != nil {
		return err
	}
	defer cleanup()

	spec := spire.SubscriptionSpec{Name: name, Channels: fs.Args()}
	var sub *spire.Subscription
	if name == "" {
		sub, err = c.CreateSubscription(ctx, spec)
	} else {
		sub, err = c.FindOrCreateSubscription(ctx, spec)
	}
	if err != nil {
		return err
	}

	l := c.Listen(sub)
	var (
		seen    int
		pollErr error
	)
	l.AddListener(spire.EventMessage, func(_ context.Context, ev spire.Event) error {
		fmt.Fprintf(out, "%s %s %s\n",
			color.YellowString(ev.Message.Time().Format(time.RFC3339)),
			color.CyanString(ev.Message.Key),
			ev.Message.Text(),
		)
		seen++
		if count > 0 && seen >= count {
			l.Stop()
		}
		return nil
	})
	l.AddListener(spire.EventError, func(_ context.Context, ev spire.Event) error {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("poll failed:"), ev.Err)
		if !retry {
			pollErr = ev.Err
			l.Stop()
		}
		return nil
	})

	var pollOpts []spire.PollOption
	if pollTimeout > 0 {
		pollOpts = append(pollOpts, spire.WithPollTimeout(pollTimeout))
	}
	if err := l.Start(ctx, pollOpts...); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString("listening on"), strings.Join(fs.Args(), ", "))

	select {
	case <-l.Done():
	case <-ctx.Done():
		l.Stop()
		<-l.Done()
	}
	return pollErr
}

func runServe(ctx context.Context, lg *zap.Logger, args []string) error {
	var (
		port    int64
		key     string
		maxHold time.Duration
		debug   bool
	)
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.Int64Var(&port, "port", 8080, "port to listen on")
	fs.StringVar(&key, "key", spiretest.DefaultKey, "API key sessions may be created with")
	fs.DurationVar(&maxHold, "max-hold", 0, "cap on how long a poll is held open")
	fs.BoolVar(&debug, "debug", false, "log every request")
	ok, err := parse(fs, args, "spire serve [flags]")
	if !ok {
		return err
	}

	opts := []spiretest.Option{
		spiretest.WithKey(key),
		spiretest.WithLogger(lg),
		spiretest.WithDebug(debug),
	}
	if maxHold > 0 {
		opts = append(opts, spiretest.WithMaxHold(maxHold))
	}
	srv := spiretest.New(opts...)
	fmt.Fprintf(os.Stderr, "%s on :%d with key %s\n", color.GreenString("serving in-memory spire"), port, color.CyanString(key))
	return web.Run(ctx, lg, srv.Handler(), web.WithPort(port))
}
