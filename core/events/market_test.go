package events

import (
	"math/big"
	"strings"
	"testing"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestRequestCreatedAttributes(t *testing.T) {
	evt := RequestCreated{
		ID:          9,
		Buyer:       testAddr(0x11),
		Deposit:     big.NewInt(250),
		Formats:     "csv|json",
		Description: "weather observations",
		CreatedAt:   1_700_000_123,
	}.Event()

	if evt.Type != TypeRequestCreated {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	want := map[string]string{
		"id":          "9",
		"deposit":     "250",
		"formats":     "csv|json",
		"description": "weather observations",
		"createdAt":   "1700000123",
	}
	for key, value := range want {
		if evt.Attributes[key] != value {
			t.Fatalf("attribute %q: got %q want %q", key, evt.Attributes[key], value)
		}
	}
	if !strings.HasPrefix(evt.Attributes["buyer"], "dm1") {
		t.Fatalf("buyer attribute not bech32 encoded: %q", evt.Attributes["buyer"])
	}
}

func TestSubmissionFinalizedAttributes(t *testing.T) {
	evt := SubmissionFinalized{
		SubmissionID: 4,
		RequestID:    2,
		Approved:     true,
		QualityScore: 91,
		ReportRef:    "bafy-report",
		Caller:       testAddr(0x22),
	}.Event()

	if evt.Type != TypeSubmissionFinalized {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if evt.Attributes["approved"] != "true" || evt.Attributes["qualityScore"] != "91" {
		t.Fatalf("unexpected verdict attributes %v", evt.Attributes)
	}
	if evt.Attributes["submissionId"] != "4" || evt.Attributes["requestId"] != "2" {
		t.Fatalf("unexpected id attributes %v", evt.Attributes)
	}
}

func TestSettlementAmountsTolerateNil(t *testing.T) {
	payout := PayoutReleased{SubmissionID: 1, RequestID: 1, Seller: testAddr(0x33)}.Event()
	if payout.Attributes["amount"] != "0" {
		t.Fatalf("nil payout amount must render as 0, got %q", payout.Attributes["amount"])
	}
	refund := RefundIssued{SubmissionID: 1, RequestID: 1, Buyer: testAddr(0x44)}.Event()
	if refund.Attributes["amount"] != "0" {
		t.Fatalf("nil refund amount must render as 0, got %q", refund.Attributes["amount"])
	}
}

type countingEmitter struct{ n int }

func (c *countingEmitter) Emit(Event) { c.n++ }

func TestFanoutSkipsNilEmitters(t *testing.T) {
	first := &countingEmitter{}
	second := &countingEmitter{}
	fanout := Fanout{first, nil, second}

	fanout.Emit(AdminUpdated{Setting: "verifier", Value: "x"})
	if first.n != 1 || second.n != 1 {
		t.Fatalf("fanout delivery counts: %d, %d", first.n, second.n)
	}
}
