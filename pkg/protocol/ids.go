package protocol

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// PartyID identifies a participant. By convention it is the hex encoding of
// the party's long-term verification key, which lets any holder of a signed
// message check it without a separate key directory.
type PartyID string

func (id PartyID) String() string {
	return string(id)
}

// Short is a truncated form for log lines.
func (id PartyID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// RoundID is a position in a protocol's round graph. The echo round of N
// orders after N and before N+1.
type RoundID struct {
	Num  uint16 `json:"num" cbor:"1,keyasint"`
	Echo bool   `json:"echo,omitempty" cbor:"2,keyasint,omitempty"`
}

func NewRoundID(num uint16) RoundID {
	return RoundID{Num: num}
}

// EchoRound returns the id of the echo round inserted after r.
func (r RoundID) EchoRound() RoundID {
	return RoundID{Num: r.Num, Echo: true}
}

// NonEcho strips the echo flag.
func (r RoundID) NonEcho() RoundID {
	return RoundID{Num: r.Num}
}

func (r RoundID) IsEcho() bool {
	return r.Echo
}

// Is reports whether r is the plain round with the given number.
func (r RoundID) Is(num uint16) bool {
	return !r.Echo && r.Num == num
}

func (r RoundID) Compare(other RoundID) int {
	if r.Num != other.Num {
		if r.Num < other.Num {
			return -1
		}
		return 1
	}
	switch {
	case r.Echo == other.Echo:
		return 0
	case other.Echo:
		return -1
	default:
		return 1
	}
}

func (r RoundID) Less(other RoundID) bool {
	return r.Compare(other) < 0
}

func (r RoundID) String() string {
	if r.Echo {
		return fmt.Sprintf("R%d-echo", r.Num)
	}
	return fmt.Sprintf("R%d", r.Num)
}

// MarshalText lets RoundID act as a JSON map key.
func (r RoundID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RoundID) UnmarshalText(text []byte) error {
	s := string(text)
	if !strings.HasPrefix(s, "R") {
		return fmt.Errorf("protocol: invalid round id %q", s)
	}
	s = s[1:]
	echo := strings.HasSuffix(s, "-echo")
	s = strings.TrimSuffix(s, "-echo")
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return fmt.Errorf("protocol: invalid round id %q: %w", string(text), err)
	}
	*r = RoundID{Num: uint16(n), Echo: echo}
	return nil
}

// SortRoundIDs sorts ids in execution order.
func SortRoundIDs(ids []RoundID) {
	slices.SortFunc(ids, RoundID.Compare)
}

// IDSet is a set of parties together with the number of them whose messages
// are needed for a round to proceed.
type IDSet struct {
	ids       []PartyID
	threshold int
}

// NewIDSet returns a set where every member is required.
func NewIDSet(ids []PartyID) IDSet {
	uniq := sortedUnique(ids)
	return IDSet{ids: uniq, threshold: len(uniq)}
}

// NewThresholdIDSet returns a set where any threshold members form a quorum.
// The threshold is clamped to the set size.
func NewThresholdIDSet(ids []PartyID, threshold int) IDSet {
	uniq := sortedUnique(ids)
	if threshold > len(uniq) {
		threshold = len(uniq)
	}
	if threshold < 0 {
		threshold = 0
	}
	return IDSet{ids: uniq, threshold: threshold}
}

func sortedUnique(ids []PartyID) []PartyID {
	uniq := lo.Uniq(ids)
	slices.Sort(uniq)
	return uniq
}

// All returns the members in sorted order.
func (s IDSet) All() []PartyID {
	return slices.Clone(s.ids)
}

func (s IDSet) Len() int {
	return len(s.ids)
}

func (s IDSet) Threshold() int {
	return s.threshold
}

func (s IDSet) IsEmpty() bool {
	return len(s.ids) == 0
}

// RequiresAll reports whether every member must respond.
func (s IDSet) RequiresAll() bool {
	return s.threshold == len(s.ids)
}

func (s IDSet) Contains(id PartyID) bool {
	_, found := slices.BinarySearch(s.ids, id)
	return found
}

// IsQuorum reports whether the members among ids reach the threshold.
func (s IDSet) IsQuorum(ids []PartyID) bool {
	return len(lo.Intersect(s.ids, lo.Uniq(ids))) >= s.threshold
}

// IsQuorumPossible reports whether a quorum can still be formed once the
// given parties are excluded.
func (s IDSet) IsQuorumPossible(excluded []PartyID) bool {
	return s.Len()-len(lo.Intersect(s.ids, lo.Uniq(excluded))) >= s.threshold
}

// Without returns the set minus the given parties, keeping the threshold.
func (s IDSet) Without(ids ...PartyID) IDSet {
	return NewThresholdIDSet(lo.Without(s.ids, ids...), s.threshold)
}
