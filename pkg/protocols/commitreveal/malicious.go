package commitreveal

import (
	"fmt"
	"io"

	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
)

// Behavior selects how a malicious party deviates from the protocol.
type Behavior int

const (
	Honest Behavior = iota
	// WrongReveal reveals a value that does not open the commitment.
	WrongReveal
	// EquivocateCommitment sends every party a different commitment.
	EquivocateCommitment
)

func (b Behavior) String() string {
	switch b {
	case Honest:
		return "honest"
	case WrongReveal:
		return "wrong-reveal"
	case EquivocateCommitment:
		return "equivocate"
	default:
		return fmt.Sprintf("Behavior(%d)", int(b))
	}
}

func ParseBehavior(s string) (Behavior, error) {
	switch s {
	case "", "honest":
		return Honest, nil
	case "wrong-reveal":
		return WrongReveal, nil
	case "equivocate":
		return EquivocateCommitment, nil
	}
	return Honest, fmt.Errorf("commitreveal: unknown behavior %q", s)
}

type maliciousEntry struct {
	*EntryPoint
	behavior Behavior
}

// NewMaliciousEntry wraps an entry point so that the party misbehaves in
// round 2. Equivocation happens on the wire and needs Tamper as well.
func NewMaliciousEntry(base *EntryPoint, b Behavior) protocol.EntryPoint {
	return &maliciousEntry{EntryPoint: base, behavior: b}
}

func (e *maliciousEntry) MakeRound(rng io.Reader, sharedRandomness []byte, self protocol.PartyID) (protocol.Round, error) {
	r, err := e.newCommitRound(rng, sharedRandomness, self)
	if err != nil {
		return nil, err
	}
	r.lie = e.behavior == WrongReveal
	return r, nil
}

func (r *round2) revealToSend() Reveal {
	if !r.lie {
		return r.reveal
	}
	value := append([]byte(nil), r.reveal.Value...)
	value[0] ^= 0xff
	return Reveal{Nonce: r.reveal.Nonce, Value: value}
}

// Tamper returns an outbound message rewriter for b. For
// EquivocateCommitment it re-signs every round 1 message with a commitment
// unique to its destination; other behaviors pass messages through.
func Tamper(b Behavior, params signing.Parameters) func([]*session.Message) ([]*session.Message, error) {
	return func(msgs []*session.Message) ([]*session.Message, error) {
		if b != EquivocateCommitment {
			return msgs, nil
		}
		out := make([]*session.Message, len(msgs))
		for i, msg := range msgs {
			if msg.Round() != commitRound || msg.Echo.IsNone() {
				out[i] = msg
				continue
			}
			forged, err := equivocate(params, msg)
			if err != nil {
				return nil, err
			}
			out[i] = forged
		}
		return out, nil
	}
}

func equivocate(params signing.Parameters, msg *session.Message) (*session.Message, error) {
	pm := msg.ProtocolMessage()
	var c Commitment
	if err := params.Format.Unmarshal(pm.Echo.Payload, &c); err != nil {
		return nil, err
	}
	echo, err := protocol.NewEchoBroadcast(params.Format, Commitment{
		Digest: signing.BLAKE3.Sum(c.Digest, []byte(msg.To)),
	})
	if err != nil {
		return nil, err
	}
	pm.Echo = echo
	return session.NewMessage(params, msg.SessionID(), msg.Round(), msg.To, pm)
}
