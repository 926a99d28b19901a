package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/icap-logistics/icap-track/internal/api/trackhttp"
	"github.com/icap-logistics/icap-track/internal/broker/messages"
	"github.com/icap-logistics/icap-track/internal/services/orders"
)

type trackdOpts struct {
	httpAddr string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runTrackd(ctx context.Context, opts trackdOpts, svc *orders.Service, db trackhttp.Pinger, consumer kafkaConsumer) error {
	h := trackhttp.New(svc, db)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		_ = consumer.Consume(ctx, func(_key, value []byte) error {
			var m messages.PointAppended
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			return svc.ApplyPointAppended(ctx, m)
		})
	}()

	srv := &http.Server{Handler: h.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}
