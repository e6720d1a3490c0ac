// Command insights-replay streams a previously written batch artifact to the
// collector. Configuration is read from the environment; the artifact path is
// the only argument.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/testinsights/internal/batch"
	"github.com/xiaot623/testinsights/internal/collector"
	"github.com/xiaot623/testinsights/internal/config"
	"github.com/xiaot623/testinsights/internal/logging"
	"github.com/xiaot623/testinsights/internal/session"
	"github.com/xiaot623/testinsights/internal/uploader"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <artifact.json.gz>\n", os.Args[0])
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sent, err := replay(ctx, cfg, os.Args[1], logger)
	if err != nil {
		logger.WithError(err).Fatal("replay failed")
	}
	logger.WithField("traces", sent).Info("replay finished")
}

// replay pushes every trace of the artifact at path through a fresh streaming
// session and returns how many were confirmed.
func replay(ctx context.Context, cfg *config.Config, path string, logger logrus.FieldLogger) (int64, error) {
	if !cfg.StreamingEnabled() {
		return 0, errors.New("INSIGHTS_API_TOKEN is not set")
	}

	doc, err := batch.Read(path)
	if err != nil {
		return 0, err
	}

	client := collector.NewClient(cfg.URL, cfg.APIToken, cfg.HandshakeTimeout, logger)
	resp, err := client.Contact(ctx, collector.RunKey(cfg.RunKey))
	if err != nil {
		return 0, err
	}

	cfgSession := uploader.SessionConfig(cfg, resp, client.Authorization())
	s, err := session.Open(ctx, cfgSession, session.WithLogger(logger))
	if err != nil {
		return 0, err
	}

	log := logging.Component(logger, "replay")
	for i, tr := range doc.Results {
		result, err := s.Push(ctx, tr)
		if result != session.PushSent {
			log.WithError(err).WithFields(logrus.Fields{
				"index":      i,
				"identifier": tr.Identifier,
				"result":     result,
			}).Warn("trace not confirmed")
		}
		if result == session.PushFailed && err != nil && !errors.Is(err, session.ErrQueueFull) {
			break
		}
	}

	if err := s.Close(ctx); err != nil {
		return s.Sent(), err
	}
	if sent := s.Sent(); sent != int64(len(doc.Results)) {
		return sent, fmt.Errorf("only %d of %d traces were delivered", sent, len(doc.Results))
	}
	return s.Sent(), nil
}
