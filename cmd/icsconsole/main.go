// Command icsconsole connects to the observatory broker, routes instrument responses
// and prints the operator log panel. With --expose it takes one spectrograph exposure
// and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/peake100/icsconsole-go/config"
	"github.com/peake100/icsconsole-go/console"
	"github.com/peake100/icsconsole-go/session"
	"github.com/spf13/pflag"
)

// flagBindings maps config keys to the flags that override them.
var flagBindings = map[string]string{
	"console.log_level":        "log-level",
	"console.raw_dir":          "raw-dir",
	"console.response_timeout": "response-timeout",
	"console.auto_reconnect":   "auto-reconnect",
	"console.correlate":        "correlate",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, nil)
	stop()

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "icsconsole: %v\n", err)
		os.Exit(1)
	}
}

// run is the whole program. Log panel lines are written to out. A nil dialer dials a
// real broker.
func run(ctx context.Context, args []string, out io.Writer, dialer session.Dialer) error {
	flags := pflag.NewFlagSet("icsconsole", pflag.ContinueOnError)
	flags.SetOutput(out)

	configPath := flags.StringP(
		"config", "c", "", "path of the JSON config document (default $"+
			config.PathEnv+" or "+config.DefaultPath+")",
	)
	flags.String("log-level", "info", "zerolog level name")
	flags.String("raw-dir", "", "directory exposure file names are relative to")
	flags.Duration("response-timeout", 0, "how long to wait for a response")
	flags.Bool("auto-reconnect", false, "redial after a dropped broker connection")
	flags.Bool("correlate", false, "match responses to commands by ID")

	expose := flags.Bool("expose", false, "take one exposure, print the file and exit")
	exptime := flags.Float64("exptime", 3, "exposure time in seconds")
	count := flags.Int("count", 1, "number of exposures")

	if err := flags.Parse(args); err != nil {
		return err
	}

	v := config.New()
	for key, name := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag --%v: %w", name, err)
		}
	}

	cfg, err := config.LoadViper(v, *configPath)
	if err != nil {
		return err
	}

	opts, err := console.OptsFromConfig(cfg)
	if err != nil {
		return err
	}
	if dialer != nil {
		opts.SessionOpts().WithDialer(dialer)
	}

	ics := console.New(opts)

	printed := make(chan struct{})
	lines := ics.LogPanel().Subscribe(64)
	go func() {
		defer close(printed)
		for line := range lines {
			_, _ = fmt.Fprintln(out, line)
		}
	}()

	err = operate(ctx, ics, *expose, *exptime, *count)

	if closeErr := ics.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	<-printed
	return err
}

func operate(
	ctx context.Context, ics *console.Console, expose bool, exptime float64, count int,
) error {
	if err := ics.Connect(ctx); err != nil {
		return err
	}

	if expose {
		_, err := ics.TakeExposure(ctx, exptime, count)
		return err
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- ics.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-stopped:
		return err
	}
}
