package runner

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
	"github.com/luxfi/rounds/pkg/transport"
)

var (
	ErrNoParties       = errors.New("runner: no parties")
	ErrDuplicateParty  = errors.New("runner: duplicate party")
	ErrMissingProtocol = errors.New("runner: protocol name is required to derive a session id")
)

// LocalParty is one participant of a local run.
type LocalParty struct {
	Params         signing.Parameters
	Entry          protocol.EntryPoint
	Options        []Option
	SessionOptions []session.Option
}

// Connector opens the transport for one party. All parties are connected
// before any of them starts sending.
type Connector func(ctx context.Context, id protocol.PartyID) (transport.Transport, error)

// HubConnector joins parties to an in-process hub.
func HubConnector(hub *transport.Hub) Connector {
	return func(_ context.Context, id protocol.PartyID) (transport.Transport, error) {
		return hub.Join(id), nil
	}
}

type LocalConfig struct {
	// SessionID is shared by every party. When empty it is derived from
	// ProtocolName and a fresh UUID.
	SessionID    session.SessionID
	ProtocolName string

	// Connect defaults to a fresh Hub.
	Connect Connector

	// Rand defaults to crypto/rand.
	Rand io.Reader

	// Options apply to every party, before the party's own.
	Options []Option
}

// RunLocal runs every party in its own goroutine and returns their reports
// keyed by party id. Party errors are joined; reports of the parties that did
// finish are returned alongside.
func RunLocal(ctx context.Context, cfg LocalConfig, parties []LocalParty) (map[protocol.PartyID]*session.Report, error) {
	if len(parties) == 0 {
		return nil, ErrNoParties
	}
	for _, p := range parties {
		if err := p.Params.Validate(true); err != nil {
			return nil, err
		}
	}
	ids := lo.Map(parties, func(p LocalParty, _ int) protocol.PartyID { return p.Params.Signer.ID() })
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateParty, dups[0].Short())
	}

	sid := cfg.SessionID
	if len(sid) == 0 {
		if cfg.ProtocolName == "" {
			return nil, ErrMissingProtocol
		}
		runID := uuid.New()
		sid = session.FromSeed(parties[0].Params.Hasher, cfg.ProtocolName, runID[:])
		logger.Info("Starting local run", "protocol", cfg.ProtocolName, "run", runID.String(), "parties", len(parties))
	}
	connect := cfg.Connect
	if connect == nil {
		connect = HubConnector(transport.NewHub())
	}
	rng := io.Reader(rand.Reader)
	if cfg.Rand != nil {
		rng = &syncReader{r: cfg.Rand}
	}

	transports := make([]transport.Transport, 0, len(parties))
	defer func() {
		for _, t := range transports {
			t.Close()
		}
	}()
	for _, id := range ids {
		t, err := connect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("runner: connect %s: %w", id.Short(), err)
		}
		transports = append(transports, t)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reports = make(map[protocol.PartyID]*session.Report, len(parties))
		errs    []error
	)
	for i, p := range parties {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := runParty(ctx, rng, sid, p, transports[i], cfg.Options)
			mu.Lock()
			defer mu.Unlock()
			if report != nil {
				reports[ids[i]] = report
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("party %s: %w", ids[i].Short(), err))
			}
		}()
	}
	wg.Wait()

	return reports, errors.Join(errs...)
}

func runParty(ctx context.Context, rng io.Reader, sid session.SessionID, p LocalParty, t transport.Transport, shared []Option) (*session.Report, error) {
	s, err := session.New(rng, sid, p.Params, p.Entry, p.SessionOptions...)
	if err != nil {
		return nil, err
	}
	return Run(ctx, s, t, p.Params, append(append([]Option{}, shared...), p.Options...)...)
}

// syncReader serializes reads of a reader shared by several sessions.
type syncReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (s *syncReader) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Read(p)
}
