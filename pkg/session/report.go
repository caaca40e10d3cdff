package session

import (
	"fmt"
	"slices"

	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

type OutcomeKind int

const (
	// OutcomeResult means the protocol produced its result.
	OutcomeResult OutcomeKind = iota + 1
	// OutcomeNotEnoughMessages means a round could not gather the messages it
	// needed, because parties were banned, stayed silent or the caller gave
	// up.
	OutcomeNotEnoughMessages
	// OutcomeMisbehavior means a round's finalize step accused parties
	// instead of producing anything.
	OutcomeMisbehavior
	// OutcomeFailed means a local error ended the session.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResult:
		return "result"
	case OutcomeNotEnoughMessages:
		return "not_enough_messages"
	case OutcomeMisbehavior:
		return "misbehavior"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// FailurePolicy decides whether a finished session counts as a success.
type FailurePolicy int

const (
	// TolerateMisbehavior counts any session that produced a result as a
	// success, even with evidence against some parties.
	TolerateMisbehavior FailurePolicy = iota
	// StrictNoEvidence additionally requires that no provable misbehavior
	// was detected.
	StrictNoEvidence
)

func (p FailurePolicy) String() string {
	switch p {
	case TolerateMisbehavior:
		return "tolerate"
	case StrictNoEvidence:
		return "strict"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "tolerate", "":
		return TolerateMisbehavior, nil
	case "strict":
		return StrictNoEvidence, nil
	default:
		return 0, fmt.Errorf("session: unknown failure policy %q", s)
	}
}

// Report is the final state of a session.
type Report struct {
	SessionID SessionID
	Outcome   OutcomeKind
	// Result is set for OutcomeResult.
	Result any
	// Err is set for OutcomeFailed.
	Err *protocol.LocalError

	ProvableErrors   map[protocol.PartyID]*Evidence
	UnprovableErrors map[protocol.PartyID]protocol.RemoteError
	MissingMessages  map[protocol.RoundID][]protocol.PartyID

	Policy FailurePolicy
}

// Succeeded applies the session's failure policy.
func (r *Report) Succeeded() bool {
	if r.Outcome != OutcomeResult {
		return false
	}
	if r.Policy == StrictNoEvidence && len(r.ProvableErrors) > 0 {
		return false
	}
	return true
}

// Accused returns the parties with provable errors, sorted.
func (r *Report) Accused() []protocol.PartyID {
	out := make([]protocol.PartyID, 0, len(r.ProvableErrors))
	for id := range r.ProvableErrors {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Report) Brief() string {
	s := fmt.Sprintf("outcome=%s provable=%d unprovable=%d", r.Outcome, len(r.ProvableErrors), len(r.UnprovableErrors))
	if r.Err != nil {
		s += " error=" + r.Err.Error()
	}
	return s
}

// ReportRecord is the serializable form of a Report.
type ReportRecord struct {
	SessionID  SessionID           `json:"session_id" cbor:"1,keyasint"`
	Outcome    string              `json:"outcome" cbor:"2,keyasint"`
	Succeeded  bool                `json:"succeeded" cbor:"3,keyasint"`
	Result     []byte              `json:"result,omitempty" cbor:"4,keyasint,omitempty"`
	Error      string              `json:"error,omitempty" cbor:"5,keyasint,omitempty"`
	Evidence   []*Evidence         `json:"evidence,omitempty" cbor:"6,keyasint,omitempty"`
	Unprovable map[string]string   `json:"unprovable,omitempty" cbor:"7,keyasint,omitempty"`
	Missing    map[string][]string `json:"missing,omitempty" cbor:"8,keyasint,omitempty"`
}

// Record converts the report for storage. The result is encoded with the
// session format and must be serializable.
func (r *Report) Record(params signing.Parameters) (*ReportRecord, error) {
	rec := &ReportRecord{
		SessionID: r.SessionID,
		Outcome:   r.Outcome.String(),
		Succeeded: r.Succeeded(),
	}
	if r.Result != nil {
		data, err := params.Format.Marshal(r.Result)
		if err != nil {
			return nil, fmt.Errorf("session: failed to encode result: %w", err)
		}
		rec.Result = data
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	for _, id := range r.Accused() {
		rec.Evidence = append(rec.Evidence, r.ProvableErrors[id])
	}
	if len(r.UnprovableErrors) > 0 {
		rec.Unprovable = make(map[string]string, len(r.UnprovableErrors))
		for id, err := range r.UnprovableErrors {
			rec.Unprovable[string(id)] = err.Reason
		}
	}
	if len(r.MissingMessages) > 0 {
		rec.Missing = make(map[string][]string, len(r.MissingMessages))
		for round, ids := range r.MissingMessages {
			names := make([]string, len(ids))
			for i, id := range ids {
				names[i] = string(id)
			}
			rec.Missing[round.String()] = names
		}
	}
	return rec, nil
}
