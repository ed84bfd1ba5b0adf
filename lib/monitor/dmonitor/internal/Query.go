package internal

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTOwner  QueryType = iota // Retrieve the owner of one profile.
	QueryTOwners                  // Retrieve the whole ownership table.
)

func (q QueryType) String() string {
	switch q {
	case QueryTOwner:
		return "Owner"
	case QueryTOwners:
		return "Owners"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type    QueryType // The type of Query to perform.
	Profile int       // The profile for QueryTOwner.
}

// OwnerResult is the result of a QueryTOwner lookup.
// QueryTOwners returns a map[int]uint64.
type OwnerResult struct {
	Ok    bool
	Owner uint64
}
