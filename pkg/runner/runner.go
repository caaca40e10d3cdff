// Package runner drives a session over a transport: it sends what the session
// produces, verifies inbound messages off the main loop and terminates the
// session when a round stalls.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
	"github.com/luxfi/rounds/pkg/transport"
)

const defaultRoundTimeout = 30 * time.Second

var ErrTransportClosed = errors.New("runner: transport closed before the session finished")

// Tamper rewrites outbound messages before they are sent. It exists to
// simulate misbehaving parties.
type Tamper func([]*session.Message) ([]*session.Message, error)

type options struct {
	roundTimeout time.Duration
	tamper       Tamper
	inboxSize    int
	logger       zerolog.Logger
}

type Option func(*options)

// WithRoundTimeout terminates the session when no round completes within d.
// Zero disables the timeout.
func WithRoundTimeout(d time.Duration) Option {
	return func(o *options) { o.roundTimeout = d }
}

func WithTamper(t Tamper) Option {
	return func(o *options) { o.tamper = t }
}

func WithInboxSize(n int) Option {
	return func(o *options) { o.inboxSize = n }
}

func newOptions(opts []Option) options {
	o := options{
		roundTimeout: defaultRoundTimeout,
		inboxSize:    256,
		logger:       logger.With("component", "runner"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Run drives s until it finishes, ctx is done or a round times out, and
// returns the final report. A cancelled context still yields a report, along
// with ctx.Err().
func Run(ctx context.Context, s *session.Session, t transport.Transport, params signing.Parameters, opts ...Option) (*session.Report, error) {
	o := newOptions(opts)
	log := o.logger.With().Str("session", shortID(s.ID())).Str("party", s.PartyID().Short()).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	inbox := make(chan *session.VerifiedMessage, o.inboxSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(inbox)
		receive(runCtx, s, t, params, inbox, log)
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if o.roundTimeout > 0 {
		timer = time.NewTimer(o.roundTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	round := s.CurrentRound()

	for {
		if err := flush(runCtx, s, t, params, o.tamper, log); err != nil {
			s.Terminate()
			return takeReport(s, err)
		}
		if s.IsFinished() {
			return takeReport(s, nil)
		}
		if timer != nil && s.CurrentRound() != round {
			round = s.CurrentRound()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(o.roundTimeout)
		}

		select {
		case verified, ok := <-inbox:
			if !ok {
				s.Terminate()
				if err := ctx.Err(); err != nil {
					return takeReport(s, err)
				}
				return takeReport(s, ErrTransportClosed)
			}
			out := s.Apply(verified)
			log.Debug().
				Str("from", verified.Message().From.Short()).
				Str("round", verified.Message().Round().String()).
				Stringer("status", out.Status).
				Str("reason", out.Reason).
				Msg("Applied message")
		case <-timeout:
			log.Warn().Str("round", s.CurrentRound().String()).Dur("timeout", o.roundTimeout).Msg("Round timed out")
			s.Terminate()
			return takeReport(s, nil)
		case <-ctx.Done():
			s.Terminate()
			return takeReport(s, ctx.Err())
		}
	}
}

func shortID(id session.SessionID) string {
	h := id.String()
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func takeReport(s *session.Session, err error) (*session.Report, error) {
	report, terr := s.TakeResult()
	if terr != nil {
		return nil, errors.Join(err, terr)
	}
	return report, err
}

// receive decodes and verifies inbound messages. Undecodable or badly signed
// messages are dropped here and never reach the session loop.
func receive(ctx context.Context, s *session.Session, t transport.Transport, params signing.Parameters, inbox chan<- *session.VerifiedMessage, log zerolog.Logger) {
	for {
		env, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Transport receive failed")
			}
			return
		}
		msg, err := session.DecodeMessage(params, env.Data)
		if err != nil {
			log.Debug().Err(err).Str("from", env.From.Short()).Msg("Dropping undecodable message")
			continue
		}
		if env.From != "" && env.From != msg.From {
			log.Debug().Str("transport_from", env.From.Short()).Str("from", msg.From.Short()).Msg("Sender differs from transport peer")
		}
		verified, err := s.Preprocess(msg)
		if err != nil {
			log.Debug().Err(err).Str("from", msg.From.Short()).Msg("Dropping message")
			continue
		}
		select {
		case inbox <- verified:
		case <-ctx.Done():
			return
		}
	}
}

// flush sends everything the session has queued. Delivery failures to single
// peers are logged; the session decides later whether it can do without them.
func flush(ctx context.Context, s *session.Session, t transport.Transport, params signing.Parameters, tamper Tamper, log zerolog.Logger) error {
	msgs := s.Outbound()
	if len(msgs) == 0 {
		return nil
	}
	if tamper != nil {
		var err error
		if msgs, err = tamper(msgs); err != nil {
			return fmt.Errorf("runner: tamper: %w", err)
		}
	}
	for _, msg := range msgs {
		data, err := msg.Encode(params)
		if err != nil {
			return fmt.Errorf("runner: encode message: %w", err)
		}
		if err := t.Send(ctx, msg.To, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("to", msg.To.Short()).Str("round", msg.Round().String()).Msg("Failed to send message")
		}
	}
	return nil
}
