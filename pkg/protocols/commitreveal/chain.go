package commitreveal

import (
	"fmt"

	"github.com/luxfi/rounds/pkg/protocol"
)

// chainOffset moves a chained second run past the first one's two rounds.
const chainOffset = 2

// TwiceProtocol verifies evidence from sessions started with Twice.
var TwiceProtocol = protocol.ChainedProtocol{First: Protocol{}, Second: Protocol{}, Offset: chainOffset}

// Rerun starts another coin flip among the parties whose values made it into
// the previous output.
type Rerun struct {
	// Threshold is capped at the number of parties left.
	Threshold int
	Behavior  Behavior
}

func (Rerun) EntryRound() protocol.RoundID {
	return commitRound
}

func (j Rerun) MakeEntryPoint(result any) (protocol.EntryPoint, error) {
	out, ok := result.(Output)
	if !ok {
		return nil, fmt.Errorf("commitreveal: cannot rerun from a %T", result)
	}
	entry := NewEntryPoint(out.Parties, min(j.Threshold, len(out.Parties)))
	if j.Behavior != Honest {
		return NewMaliciousEntry(entry, j.Behavior), nil
	}
	return entry, nil
}

// Twice runs first and then join's coin flip in one session. The result is
// the second run's Output.
func Twice(first protocol.EntryPoint, join Rerun) protocol.EntryPoint {
	return protocol.Chain(first, join, chainOffset)
}
