// Command cachectl inspects and maintains the POI cache out of band.
//
//	cachectl stats
//	cachectl sweep
//	cachectl invalidate <bucket-key>...
//	cachectl invalidate -lat 59.33 -lng 18.06 [-radius 800]
//
// With -publish, invalidate sends the event to Kafka so every server
// instance applies it, instead of touching the store directly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mohammed-shakir/office-poi-cache/internal/app"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/config"
	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation"
	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation/kafkapublisher"
	"github.com/mohammed-shakir/office-poi-cache/internal/logger"
	"github.com/mohammed-shakir/office-poi-cache/internal/maintenance"
	h3mapper "github.com/mohammed-shakir/office-poi-cache/internal/mapper/h3"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	cfg := config.FromEnv()
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   true,
		Service:   "cachectl",
		Component: args[0],
	}, stderr)
	log := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}

	switch args[0] {
	case "stats":
		err = stats(ctx, deps, stdout)
	case "sweep":
		err = sweep(ctx, deps, log, stdout)
	case "invalidate":
		err = invalidate(ctx, cfg, deps, log, args[1:], stdout)
	default:
		usage(stderr)
		_ = deps.Close()
		return 2
	}

	if err = multierr.Append(err, deps.Close()); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: cachectl stats | sweep | invalidate [-publish] <bucket-key>... | invalidate [-publish] -lat LAT -lng LNG [-radius M]")
}

func stats(ctx context.Context, deps *app.Deps, w io.Writer) error {
	st, err := deps.Store.Stats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, st)
}

func sweep(ctx context.Context, deps *app.Deps, log *slog.Logger, w io.Writer) error {
	n, err := maintenance.NewSweeper(deps.Store, maintenance.WithLogger(log)).RunOnce(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]int64{"removed": n})
}

func invalidate(ctx context.Context, cfg config.Config, deps *app.Deps, log *slog.Logger, args []string, w io.Writer) error {
	ev, publish, err := parseInvalidation(args)
	if err != nil {
		return err
	}
	if publish {
		return publishEvent(ctx, cfg, ev, w)
	}
	cells, err := h3mapper.New(cfg.H3Res)
	if err != nil {
		return err
	}
	res, err := invalidation.New(log, deps.Store, cells).Apply(ctx, ev)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]int64{"removed": res.Rows})
}

func publishEvent(ctx context.Context, cfg config.Config, ev invalidation.Event, w io.Writer) (err error) {
	kc := kafkaconsumer.FromConfig(cfg.Invalidation)
	pub, err := kafkapublisher.New(kc.Brokers, kc.Topic)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pub.Close()) }()

	partition, offset, err := pub.Publish(ctx, ev)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]any{"id": ev.ID, "topic": kc.Topic, "partition": partition, "offset": offset})
}

func parseInvalidation(args []string) (invalidation.Event, bool, error) {
	fs := flag.NewFlagSet("invalidate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	lat := fs.Float64("lat", 0, "latitude of the area centre")
	lng := fs.Float64("lng", 0, "longitude of the area centre")
	radius := fs.Float64("radius", 0, "radius of the cached query, metres")
	publish := fs.Bool("publish", false, "send the event to Kafka instead of applying it locally")
	if err := fs.Parse(args); err != nil {
		return invalidation.Event{}, false, err
	}

	ev := invalidation.Event{
		Version: 1,
		ID:      uuid.NewString(),
		Op:      invalidation.OpInvalidate,
		TS:      time.Now().UTC(),
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	switch {
	case set["lat"] || set["lng"]:
		ev.Lat, ev.Lng = lat, lng
		if set["radius"] {
			ev.Radius = radius
		}
	case fs.NArg() > 0:
		ev.BucketKeys = fs.Args()
	default:
		return invalidation.Event{}, false, errors.New("invalidate needs bucket keys or -lat/-lng")
	}
	if err := ev.Validate(); err != nil {
		return invalidation.Event{}, false, err
	}
	return ev, *publish, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
