// Command ridewatch follows the caller's active ride by polling the dispatch
// API, printing every observed view as one JSON line. It exits once the ride
// reaches a terminal status or on interrupt.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/client"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/poller"
)

type options struct {
	server    string
	token     string
	jwtSecret string
	subject   string
	role      string
	interval  time.Duration
	rideID    string
	advance   string
	code      string
	logLevel  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var o options
	flagSet := pflag.NewFlagSet("ridewatch", pflag.ContinueOnError)
	flagSet.StringVar(&o.server, "server", "http://localhost:8080", "dispatch API base URL")
	flagSet.StringVar(&o.token, "token", os.Getenv("RIDEWATCH_TOKEN"), "bearer token")
	flagSet.StringVar(&o.jwtSecret, "jwt-secret", "", "mint a short-lived token with this secret instead of --token (development only)")
	flagSet.StringVar(&o.subject, "subject", "", "user or driver id for a minted token")
	flagSet.StringVar(&o.role, "role", string(models.RoleRequester), "role for a minted token: requester or driver")
	flagSet.DurationVar(&o.interval, "interval", poller.DefaultInterval, "poll interval")
	flagSet.StringVar(&o.rideID, "ride", "", "ride id for --advance")
	flagSet.StringVar(&o.advance, "advance", "", "move --ride to this status once and exit")
	flagSet.StringVar(&o.code, "code", "", "start code, required when advancing to ongoing")
	flagSet.StringVar(&o.logLevel, "log-level", "warn", "log level")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	token, err := o.bearer()
	if err != nil {
		return err
	}
	logger := logging.NewLoggerTo(os.Stderr, "ridewatch", o.logLevel)
	c := client.New(o.server, token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	if o.advance != "" {
		if o.rideID == "" {
			return errors.New("--advance needs --ride")
		}
		v, err := c.Transition(ctx, o.rideID, models.Status(o.advance), o.code)
		if err != nil {
			return err
		}
		return enc.Encode(v)
	}

	err = poller.Watch(ctx, o.interval, c.ActiveRide,
		func(v *models.RideView) { _ = enc.Encode(v) },
		func(err error) { logger.Warn("poll active ride", "error", err) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o options) bearer() (string, error) {
	if o.jwtSecret == "" {
		if o.token == "" {
			return "", errors.New("one of --token or --jwt-secret is required")
		}
		return o.token, nil
	}
	who := models.Identity{ID: o.subject, Role: models.Role(o.role)}
	if who.ID == "" || !who.Role.Valid() {
		return "", fmt.Errorf("--subject and a valid --role are required to mint a token")
	}
	return httpapi.SignToken([]byte(o.jwtSecret), who, 15*time.Minute)
}

