package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TriggerSource identifies what started a scan cycle.
type TriggerSource string

const (
	TriggerBlock TriggerSource = "block"
	TriggerFeed  TriggerSource = "feed"
)

// OpportunityKind discriminates simple two-leg from triangular routes.
type OpportunityKind int

const (
	KindSimple OpportunityKind = iota
	KindTriangular
)

func (k OpportunityKind) String() string {
	if k == KindTriangular {
		return "triangular"
	}
	return "simple"
}

// Leg is one swap within an opportunity.
type Leg struct {
	Venue     string
	TokenIn   string
	TokenOut  string
	FeeTier   uint32
	AmountIn  *big.Int
	AmountOut *big.Int
}

// Opportunity is a detected arbitrage candidate. Amounts are in the borrow
// token's smallest unit. Immutable once created; consumed once by the
// executor or discarded.
type Opportunity struct {
	Kind        OpportunityKind
	Tokens      []string
	AmountIn    *big.Int
	Profit      *big.Int
	ProfitBps   int64
	ProfitUSD   float64
	USDReliable bool
	Legs        []Leg
	Trigger     TriggerSource
	DetectedAt  time.Time
}

// FeedTransaction is the slice of a pending transaction the coordinator
// needs to classify relevance.
type FeedTransaction struct {
	Hash      common.Hash
	To        *common.Address
	Value     *big.Int
	Input     []byte
	FirstSeen time.Time
}

// Selector returns the 4-byte function selector, or false if the calldata
// is too short to carry one.
func (t *FeedTransaction) Selector() ([4]byte, bool) {
	var sel [4]byte
	if len(t.Input) < 4 {
		return sel, false
	}
	copy(sel[:], t.Input[:4])
	return sel, true
}
