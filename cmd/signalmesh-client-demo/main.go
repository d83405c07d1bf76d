// Command signalmesh-client-demo connects to signalmesh-demo, mirrors its
// "count" signal and "echo" channel, and logs what it observes via
// logrus (to stderr, logrus's default output), matching the CLI-client idiom of a thin driver over
// pkg/signalmesh's public API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattsp1290/signalmesh/pkg/signalmesh"
	"github.com/mattsp1290/signalmesh/pkg/transport/wsconn"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("signalmesh-client-demo exited")
	}
}

func run() error {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "signalmesh-demo websocket URL")
	message := flag.String("message", "", "if set, send this message on the echo channel and exit")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	t, err := wsconn.Dial(dialCtx, *url, wsconn.DefaultConfig())
	if err != nil {
		return fmt.Errorf("dial %s: %w", *url, err)
	}

	client := signalmesh.ProvideClient(t)
	go func() {
		if err := client.Run(ctx); err != nil {
			log.WithError(err).Warn("client driver stopped")
		}
	}()

	count, err := signalmesh.EstablishReadOnlySignal[int](ctx, client, "count")
	if err != nil {
		return fmt.Errorf("establish count: %w", err)
	}

	echo, err := signalmesh.EstablishChannelSignal[string](ctx, client, "echo")
	if err != nil {
		return fmt.Errorf("establish echo: %w", err)
	}
	echo.OnClient(func(msg string) {
		log.WithField("message", msg).Info("echo broadcast")
	})

	if *message != "" {
		if err := echo.Send(ctx, *message); err != nil {
			return fmt.Errorf("send echo: %w", err)
		}
		log.WithField("message", *message).Info("sent")
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.WithField("count", count.Get()).Info("observed")
		}
	}
}
