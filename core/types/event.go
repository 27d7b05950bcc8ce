package types

// Event is the canonical wire form of a ledger state change. Attributes carry
// every field an indexer needs to reconstruct the change without re-querying
// the ledger.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
