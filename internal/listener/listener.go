// Package listener owns the MLLP socket to the hospital feed and drives the
// codec → parser → storage → alert chain, one message end to end before the
// next read. There is no queue between the socket and the handlers; back
// pressure is the TCP receive window.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/south-riverside/aki-alerter/internal/alert"
	"github.com/south-riverside/aki-alerter/internal/config"
	"github.com/south-riverside/aki-alerter/internal/hl7"
	"github.com/south-riverside/aki-alerter/internal/metrics"
	"github.com/south-riverside/aki-alerter/internal/mllp"
	"github.com/south-riverside/aki-alerter/internal/storage"
	"go.uber.org/zap"
)

type Listener struct {
	addr       string
	store      *storage.Manager
	pager      *alert.Pager
	retries    int
	startDelay time.Duration
	maxDelay   time.Duration
	readBuf    int
	drainBatch bool
	logger     *zap.Logger

	connected atomic.Bool

	// Decode state carried across reads and reconnects.
	buffer  []byte
	pending [][]byte
}

func New(cfg config.MLLPConfig, store *storage.Manager, pager *alert.Pager, logger *zap.Logger) *Listener {
	return &Listener{
		addr:       cfg.Address,
		store:      store,
		pager:      pager,
		retries:    cfg.ReconnectRetries,
		startDelay: time.Duration(cfg.StartDelaySeconds * float64(time.Second)),
		maxDelay:   time.Duration(cfg.MaxDelaySeconds * float64(time.Second)),
		readBuf:    cfg.ReadBufferBytes,
		drainBatch: cfg.DrainBatch,
		logger:     logger,
	}
}

// IsConnected reports whether the feed socket is currently up.
func (l *Listener) IsConnected() bool { return l.connected.Load() }

// Run connects to the feed and processes messages until ctx is cancelled.
// Connection failures back off exponentially from startDelay up to maxDelay;
// a successful connection resets both the delay and the attempt counter.
// Returns an error once the reconnect budget is exhausted.
func (l *Listener) Run(ctx context.Context) error {
	var dialer net.Dialer
	delay := l.startDelay
	attempts := 0

	for ctx.Err() == nil && attempts < l.retries {
		metrics.ConnectionAttemptsTotal.Inc()
		l.logger.Info("connecting to MLLP feed", zap.String("addr", l.addr))

		conn, err := dialer.DialContext(ctx, "tcp", l.addr)
		if err == nil {
			l.logger.Info("connected", zap.String("addr", l.addr))
			attempts = 0
			delay = l.startDelay
			l.connected.Store(true)

			err = l.serve(ctx, conn)

			conn.Close()
			l.connected.Store(false)
			metrics.ConnectionClosedTotal.Inc()
		}

		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("connection lost", zap.String("addr", l.addr), zap.Error(err))

		attempts++
		if attempts >= l.retries {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
		delay = min(delay*2, l.maxDelay)
		l.logger.Info("reconnecting", zap.Int("attempt", attempts), zap.Duration("delay", delay))
	}

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("listener: reconnect budget exhausted after %d attempts", l.retries)
}

// serve reads from one connection until it errors or ctx is cancelled.
func (l *Listener) serve(ctx context.Context, conn net.Conn) error {
	// Unblock the pending Read on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, l.readBuf)
	for {
		n, err := conn.Read(buf)
		if n == 0 && err == nil {
			// Quiet interval; the feed keeps the connection open.
			continue
		}
		if err != nil {
			return err
		}
		arrival := time.Now()
		metrics.MessagesReceivedTotal.Inc()

		l.buffer = append(l.buffer, buf[:n]...)
		frames, rest, err := mllp.Split(l.buffer)
		if err != nil {
			// Bad framing: drop the poisoned buffer and the connection;
			// the next connect starts clean, awaiting a VT.
			l.buffer = nil
			return err
		}
		l.buffer = append([]byte(nil), rest...)
		l.pending = append(l.pending, frames...)

		// One message per read cycle unless drain_batch is set; residual
		// frames wait for the next cycle so the ACK cadence matches the
		// feed's expectations.
		take := 1
		if l.drainBatch {
			take = len(l.pending)
		}
		for i := 0; i < take && len(l.pending) > 0; i++ {
			payload := l.pending[0]
			l.pending = l.pending[1:]
			if err := l.process(ctx, conn, payload, arrival); err != nil {
				return err
			}
		}
	}
}

// process parses and applies one message, then acknowledges it. The ACK and
// the message-latency observation happen regardless of parse or handler
// failures; only log-append and socket errors propagate.
func (l *Listener) process(ctx context.Context, conn net.Conn, payload []byte, arrival time.Time) error {
	var fatal error

	msg, err := hl7.Parse(mllp.Segments(payload))
	if err != nil {
		metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeLive, "parse").Inc()
		l.logger.Warn("unparseable message", zap.Error(err))
	} else if err := l.handle(ctx, msg, arrival); err != nil {
		reason := "handler"
		if errors.Is(err, storage.ErrNotAdmitted) {
			reason = "not_admitted"
		}
		metrics.HandlerErrorsTotal.WithLabelValues(metrics.ModeLive, reason).Inc()
		l.logger.Warn("message not applied", zap.String("mrn", msg.PatientMRN()), zap.Error(err))
	} else if err := l.store.AppendToLog(msg); err != nil {
		// State mutated but not journaled: drop the connection after the
		// ACK so the failure is loud instead of silently violating the
		// one-row-per-message property.
		fatal = err
	}

	if _, err := conn.Write(mllp.ACK(time.Now())); err != nil {
		return fmt.Errorf("listener: sending ack: %w", err)
	}
	metrics.MessagesAcknowledgedTotal.Inc()
	metrics.MessageLatency.Observe(time.Since(arrival).Seconds())
	return fatal
}

func (l *Listener) handle(ctx context.Context, msg hl7.Message, arrival time.Time) error {
	switch t := msg.(type) {
	case hl7.AdmissionMessage:
		l.store.AddAdmission(t)
		metrics.MessagesHandledTotal.WithLabelValues(metrics.ModeLive, metrics.TypeAdmission).Inc()

	case hl7.TestResultMessage:
		if err := l.store.AddTestResult(t); err != nil {
			return err
		}
		metrics.MessagesHandledTotal.WithLabelValues(metrics.ModeLive, metrics.TypeTestResult).Inc()
		if l.store.NoPositiveSoFar(t.MRN) {
			result, err := l.store.PredictAKI(t.MRN)
			if err != nil {
				return err
			}
			if result == 1 {
				metrics.PredictionsTotal.WithLabelValues(metrics.ModeLive, metrics.ResultPositive).Inc()
				l.page(ctx, t, arrival)
			} else {
				metrics.PredictionsTotal.WithLabelValues(metrics.ModeLive, metrics.ResultNegative).Inc()
			}
		}

	case hl7.DischargeMessage:
		if err := l.store.CopyResultsToHistory(t.MRN); err != nil {
			return err
		}
		if err := l.store.RemovePatient(t); err != nil {
			return err
		}
		metrics.MessagesHandledTotal.WithLabelValues(metrics.ModeLive, metrics.TypeDischarge).Inc()
	}
	return nil
}

// page alerts clinicians about the first positive prediction of an admission.
// The gate flag flips only on a delivered page: a page dropped after its
// retry budget leaves the flag clear so the next positive test retries.
func (l *Listener) page(ctx context.Context, msg hl7.TestResultMessage, arrival time.Time) {
	err := l.pager.SendAlert(ctx, msg.MRN, msg.Timestamp)
	metrics.PagesTotal.Inc()
	metrics.PagingLatency.Observe(time.Since(arrival).Seconds())
	if err != nil {
		metrics.PageFailuresTotal.Inc()
		l.logger.Error("paging failed", zap.String("mrn", msg.MRN), zap.Error(err))
		return
	}
	l.store.MarkPositive(msg.MRN)
	l.logger.Info("clinicians paged", zap.String("mrn", msg.MRN), zap.String("timestamp", msg.Timestamp))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
