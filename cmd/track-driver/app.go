package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/icap-logistics/icap-track/config"
	"github.com/icap-logistics/icap-track/internal/driver/geo"
	"github.com/icap-logistics/icap-track/internal/driver/offlinequeue"
	"github.com/icap-logistics/icap-track/internal/driver/session"
	"github.com/icap-logistics/icap-track/internal/driver/transport"
)

type driverFactories struct {
	newSampler   func(cfg *config.Config) geo.Sampler
	newTransport func(cfg *config.Config) session.TransportClient
	newQueue     func(cfg *config.Config) (session.OfflineQueue, error)
}

func defaultDriverFactories() driverFactories {
	return driverFactories{
		newSampler: func(cfg *config.Config) geo.Sampler {
			// Without a GPS agent (demo rigs, CI) fall back to the
			// deterministic fake.
			if cfg.Driver.GPSAgentBaseURL == "" {
				return geo.NewFakeSampler("track-driver")
			}
			return geo.NewAgentClient(cfg.Driver.GPSAgentBaseURL, geo.Config{
				HighAccuracy: cfg.Driver.GPSHighAccuracy,
				Timeout:      time.Duration(cfg.Driver.GPSTimeoutSeconds) * time.Second,
				MaxSampleAge: time.Duration(cfg.Driver.GPSMaxSampleAgeSeconds) * time.Second,
			})
		},
		newTransport: func(cfg *config.Config) session.TransportClient {
			return transport.New(cfg.Driver.ServerURL,
				time.Duration(cfg.Driver.RequestTimeoutSeconds)*time.Second)
		},
		newQueue: func(cfg *config.Config) (session.OfflineQueue, error) {
			return offlinequeue.Open(stateDir(cfg), slog.Default())
		},
	}
}

func stateDir(cfg *config.Config) string {
	if cfg.Driver.StateDir != "" {
		return cfg.Driver.StateDir
	}
	return "./track-driver-state"
}

func RunTrackDriver(ctx context.Context, cfg *config.Config, f driverFactories) error {
	httpAddr := cfg.Driver.ControlHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8081"
	}
	interval := time.Duration(cfg.Driver.UpdateIntervalSeconds) * time.Second

	sampler := f.newSampler(cfg)
	tc := f.newTransport(cfg)
	queue, err := f.newQueue(cfg)
	if err != nil {
		return err
	}

	ctrl := session.New(sampler, tc, queue, stateDir(cfg), slog.Default()).
		WithInterval(interval)

	loopErr := make(chan error, 1)
	go func() { loopErr <- ctrl.Run(ctx) }()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runControlServer(ctx, controlOpts{httpAddr: httpAddr, ctrl: ctrl})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-loopErr:
		return err
	case err := <-httpErr:
		return err
	}
}
