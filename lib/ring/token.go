package ring

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Offer is the willingness payload of an underloaded node: it can take up to Capacity profiles
type Offer struct {
	Origin   uint64 `json:"origin"`
	Capacity int    `json:"capacity"`
}

// Token is the load signal that circulates around the ring. It is passed by value between
// nodes (Clone before handing it to another actor), never shared.
type Token struct {
	ID     uuid.UUID `json:"id"`
	Origin uint64    `json:"origin"`
	Hops   int       `json:"hops"`
	Offer  *Offer    `json:"offer,omitempty"`

	// Loads holds the last load observed for each node the token passed
	Loads map[uint64]float64 `json:"loads,omitempty"`
}

// NewToken creates an empty token emitted by origin
func NewToken(origin uint64) Token {
	return Token{
		ID:     uuid.New(),
		Origin: origin,
		Loads:  make(map[uint64]float64),
	}
}

// Empty reports whether the token carries no offer
func (t Token) Empty() bool {
	return t.Offer == nil
}

// Clone returns a deep copy of the token
func (t Token) Clone() Token {
	c := t
	if t.Offer != nil {
		offer := *t.Offer
		c.Offer = &offer
	}
	c.Loads = maps.Clone(t.Loads)
	if c.Loads == nil {
		c.Loads = make(map[uint64]float64)
	}
	return c
}

// LoadValues returns the piggybacked loads in node id order
func (t Token) LoadValues() []float64 {
	ids := make([]uint64, 0, len(t.Loads))
	for id := range t.Loads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	values := make([]float64, len(ids))
	for i, id := range ids {
		values[i] = t.Loads[id]
	}
	return values
}

func (t Token) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "token %s (origin %d, hops %d", t.ID, t.Origin, t.Hops)
	if t.Offer != nil {
		fmt.Fprintf(&sb, ", offer %d from node %d", t.Offer.Capacity, t.Offer.Origin)
	}
	sb.WriteString(")")
	return sb.String()
}
