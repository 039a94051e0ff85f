package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/messaging"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/store"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// printer echoes each envelope and forwards it to the journal, if any.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	journal interfaces.EnvelopeObserver
	count   int
}

func (p *printer) OnEnvelope(env *push.Envelope) error {
	if p.journal != nil {
		if err := p.journal.OnEnvelope(env); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	fmt.Fprintf(p.w, "%s from %s.%d at %d\n", env.Type, env.Source.Identifier(), env.SourceDevice, env.Timestamp)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics server stopped")
		}
	}()
	return srv
}

func listenCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive and journal envelopes over the identified pipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := cfg.ApplyLogging()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			reg := prometheus.NewRegistry()
			if err := transport.RegisterMetrics(reg); err != nil {
				return err
			}
			if err := messaging.RegisterMetrics(reg); err != nil {
				return err
			}
			if cfg.Metrics.Enable {
				srv := serveMetrics(cfg.Metrics.Address, reg)
				defer srv.Close()
			}

			p := &printer{w: cmd.OutOrStdout()}
			if cfg.Journal.Path != "" {
				j, err := store.Open(cfg.Journal.Path)
				if err != nil {
					return err
				}
				defer j.Close()
				p.journal = j
			}

			dialer, err := transport.NewWebsocketDialer(nil, cfg.ProxyConfig(), 0)
			if err != nil {
				return err
			}
			pipe, err := transport.NewPipe(cfg.PipeConfig("identified", true), dialer)
			if err != nil {
				return err
			}
			if err := pipe.Connect(ctx); err != nil {
				return err
			}
			defer pipe.Disconnect()

			r, err := messaging.NewReceiver(pipe, messaging.ReceiverConfig{
				ReadTimeout: cfg.ReadTimeout(),
				Observer:    p,
			})
			if err != nil {
				return err
			}

			err = r.Run(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "received %d envelopes\n", p.count)
			return err
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}
