package observability

import "testing"

func TestLedgerReturnsSingleton(t *testing.T) {
	if Ledger() != Ledger() {
		t.Fatalf("Ledger must return the same registry")
	}
}

func TestObserveTolerantOfNilReceiver(t *testing.T) {
	var m *LedgerMetrics
	m.Observe("create_request", "ok", 0.01)
	m.SetEscrowed(0)

	Ledger().Observe("create_request", "ok", 0.01)
	Ledger().SetEscrowed(100)
}
