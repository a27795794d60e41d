package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"cronwheel/internal/app"
	"cronwheel/internal/eventbus"
	"cronwheel/internal/task/scheduler"
	logx "cronwheel/pkg/logx"
	"cronwheel/pkg/systemd"
)

const stopTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("cronwheel", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.StringP("config", "c", "./config.yaml", "path to config (yaml, yml, json or jsonc)")
	next := fs.String("next", "", "print the upcoming fire times of a schedule expression and exit")
	count := fs.IntP("count", "n", 5, "number of fire times printed by --next")
	tz := fs.String("tz", "", "time zone for --next (default Local)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *next != "" {
		if err := printNext(stdout, *next, *count, *tz, time.Now()); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
		return 0
	}

	if err := daemonize(*cfgPath); err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return 1
	}
	return 0
}

// printNext writes one line per upcoming fire time with its relative offset.
func printNext(w io.Writer, expr string, n int, tz string, now time.Time) error {
	if n <= 0 {
		return fmt.Errorf("--count must be > 0")
	}
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("--tz: %w", err)
		}
	}
	spec, err := scheduler.ParseSchedule(expr)
	if err != nil {
		return err
	}
	trig := spec.Trigger(loc)
	times := scheduler.Preview(trig, now.In(loc), n)
	fmt.Fprintf(w, "%s %s\n", trig.Kind(), trig.String())
	if len(times) == 0 {
		fmt.Fprintln(w, "  no upcoming fire times")
		return nil
	}
	for _, t := range times {
		fmt.Fprintf(w, "  %s  (%s)\n", t.Format("2006-01-02 15:04:05 MST Mon"), humanize.RelTime(t, now, "ago", "from now"))
	}
	return nil
}

func daemonize(cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	log := a.Logger()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	go reportReloads(ctx, a)
	go func() {
		if err := systemd.Watchdog(ctx, log); err != nil {
			log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	}()
	if _, err := systemd.Ready(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	}

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				forceReload(ctx, a)
				continue
			}
			reason = app.StopReasonFor(sig)
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			if err := a.Err(); err != nil {
				log.Error("fatal error", logx.Err(err))
			}
			break loop
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	err = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError && a.Err() != nil {
		return a.Err()
	}
	return err
}

func forceReload(ctx context.Context, a *app.App) {
	log := a.Logger()
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()
	changed, err := a.ConfigManager().Reload(ctx)
	switch {
	case err != nil:
		log.Warn("config rejected", logx.Err(err))
	case !changed:
		log.Info("SIGHUP: config unchanged")
	}
}

// reportReloads mirrors config reloads into the systemd status line.
func reportReloads(ctx context.Context, a *app.App) {
	events, unsub := a.Bus().Subscribe(4)
	defer unsub()
	status := func() {
		snap := a.Snapshot()
		_, _ = systemd.Status(fmt.Sprintf("%d schedules, %d runs completed", len(snap.Schedules), snap.Engine.Completed))
	}
	status()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == eventbus.ConfigReloaded {
				status()
			}
		}
	}
}
