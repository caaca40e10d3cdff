package kvstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/session"
)

const (
	reportPrefix   = "report"
	evidencePrefix = "evidence"
)

// StoredReport is a session report together with what an auditor needs to
// check its evidence later.
type StoredReport struct {
	Protocol  string                `json:"protocol" cbor:"1,keyasint"`
	Party     string                `json:"party" cbor:"2,keyasint"`
	Scheme    string                `json:"scheme" cbor:"3,keyasint"`
	Hash      string                `json:"hash" cbor:"4,keyasint"`
	Format    string                `json:"format" cbor:"5,keyasint"`
	CreatedAt time.Time             `json:"created_at" cbor:"6,keyasint"`
	Record    *session.ReportRecord `json:"record" cbor:"7,keyasint"`
}

func reportKey(sid session.SessionID, party string) string {
	return joinKey(reportPrefix, sid.String(), party)
}

func evidenceKey(sid session.SessionID, party, guilty string) string {
	return joinKey(evidencePrefix, sid.String(), party, guilty)
}

// SaveReport stores the report and, separately, each piece of evidence in
// the session format so that it can be exported as is.
func (s *Store) SaveReport(r *StoredReport) error {
	if r.Record == nil {
		return fmt.Errorf("kvstore: report has no record")
	}
	format, err := encoding.FormatByName(r.Format)
	if err != nil {
		return err
	}
	data, err := encoding.CBOR.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.Put(reportKey(r.Record.SessionID, r.Party), data); err != nil {
		return err
	}

	for _, ev := range r.Record.Evidence {
		data, err := format.Marshal(ev)
		if err != nil {
			return err
		}
		if err := s.Put(evidenceKey(r.Record.SessionID, r.Party, string(ev.Guilty)), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LoadReport(sid session.SessionID, party string) (*StoredReport, error) {
	data, err := s.Get(reportKey(sid, party))
	if err != nil {
		return nil, err
	}
	var r StoredReport
	if err := encoding.CBOR.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("kvstore: corrupt report: %w", err)
	}
	return &r, nil
}

// ListReports returns every stored report, ordered by session then party.
func (s *Store) ListReports() ([]*StoredReport, error) {
	keys, err := s.Keys(reportPrefix + "/")
	if err != nil {
		return nil, err
	}
	out := make([]*StoredReport, 0, len(keys))
	for _, key := range keys {
		data, err := s.Get(key)
		if err != nil {
			return nil, err
		}
		var r StoredReport
		if err := encoding.CBOR.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("kvstore: corrupt report %s: %w", key, err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// EvidenceKeys lists stored evidence for a session, as written by SaveReport.
func (s *Store) EvidenceKeys(sid session.SessionID) ([]string, error) {
	keys, err := s.Keys(joinKey(evidencePrefix, sid.String()) + "/")
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, evidencePrefix+"/")
	}
	return keys, nil
}

// LoadEvidence returns the encoded evidence stored under key, a value
// returned by EvidenceKeys.
func (s *Store) LoadEvidence(key string) ([]byte, error) {
	return s.Get(joinKey(evidencePrefix, key))
}
