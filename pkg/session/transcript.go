package session

import (
	"github.com/luxfi/rounds/pkg/protocol"
)

// transcript is the record of finished rounds and of errors seen so far. It
// is what evidence about earlier rounds is assembled from.
type transcript struct {
	rounds     map[protocol.RoundID]map[protocol.PartyID]*Message
	provable   map[protocol.PartyID]*Evidence
	unprovable map[protocol.PartyID]protocol.RemoteError
	missing    map[protocol.RoundID][]protocol.PartyID
}

func newTranscript() *transcript {
	return &transcript{
		rounds:     make(map[protocol.RoundID]map[protocol.PartyID]*Message),
		provable:   make(map[protocol.PartyID]*Evidence),
		unprovable: make(map[protocol.PartyID]protocol.RemoteError),
		missing:    make(map[protocol.RoundID][]protocol.PartyID),
	}
}

func (t *transcript) isBanned(id protocol.PartyID) bool {
	if _, ok := t.provable[id]; ok {
		return true
	}
	_, ok := t.unprovable[id]
	return ok
}

// recordRound stores the messages accepted in a finished round.
func (t *transcript) recordRound(id protocol.RoundID, accepted map[protocol.PartyID]*Message, missing []protocol.PartyID) {
	t.rounds[id] = accepted
	if len(missing) > 0 {
		t.missing[id] = missing
	}
}

func (t *transcript) message(round protocol.RoundID, from protocol.PartyID) (*Message, bool) {
	msgs, ok := t.rounds[round]
	if !ok {
		return nil, false
	}
	msg, ok := msgs[from]
	return msg, ok
}

// addProvable keeps the first evidence against a party. It reports whether
// the evidence was new.
func (t *transcript) addProvable(e *Evidence) bool {
	if _, ok := t.provable[e.Guilty]; ok {
		return false
	}
	t.provable[e.Guilty] = e
	return true
}

func (t *transcript) addUnprovable(id protocol.PartyID, err protocol.RemoteError) bool {
	if t.isBanned(id) {
		return false
	}
	t.unprovable[id] = err
	return true
}
