package main

import (
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// zapTemporalLogger adapts the global zap logger to the Temporal SDK's
// keyval logging interface.
type zapTemporalLogger struct {
	s *zap.SugaredLogger
}

func (l zapTemporalLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l zapTemporalLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l zapTemporalLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l zapTemporalLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    zapTemporalLogger{s: zap.L().Sugar()},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dial temporal at %s", cfg.Temporal.HostPort)
	}
	return c, nil
}
