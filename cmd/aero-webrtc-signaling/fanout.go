package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

type fanoutBackend interface {
	rooms.Fanout
	Close() error
}

func newFanout(cfg config.Config, logger *slog.Logger) (fanoutBackend, error) {
	switch cfg.FanoutBackend {
	case config.FanoutAMQP:
		a, err := fanout.DialAMQP(fanout.AMQPConfig{
			URL:      cfg.FanoutAMQPURL,
			Exchange: cfg.FanoutAMQPExchange,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("fanout connected", "backend", cfg.FanoutBackend, "host", safeURLHost(cfg.FanoutAMQPURL), "exchange", cfg.FanoutAMQPExchange)
		return a, nil
	default:
		return fanout.NewHub(), nil
	}
}
