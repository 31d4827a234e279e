package types

// Durability is the acknowledgment level a write waits for.
type Durability string

const (
	DurabilityAsync  Durability = "async"
	DurabilityQuorum Durability = "quorum"
	DurabilityAll    Durability = "all"
)

// Valid reports whether d names a known level. The empty value means "use the default".
func (d Durability) Valid() bool {
	switch d {
	case "", DurabilityAsync, DurabilityQuorum, DurabilityAll:
		return true
	}
	return false
}

// Consistency selects where a read may be served.
type Consistency string

const (
	ConsistencyPrimary Consistency = "primary"
	ConsistencyReplica Consistency = "replica"
)
