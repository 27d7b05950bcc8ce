package indexer

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"datamarket/core/events"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestIndexer(t *testing.T) (*Indexer, func() ([]EventRecord, []RequestRow, []SubmissionRow)) {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	ix, err := New(db, nil)
	require.NoError(t, err)
	dump := func() ([]EventRecord, []RequestRow, []SubmissionRow) {
		var journal []EventRecord
		var requests []RequestRow
		var submissions []SubmissionRow
		require.NoError(t, db.Find(&journal).Error)
		require.NoError(t, db.Find(&requests).Error)
		require.NoError(t, db.Find(&submissions).Error)
		return journal, requests, submissions
	}
	return ix, dump
}

func TestIndexerJournalsEveryEvent(t *testing.T) {
	ix, dump := newTestIndexer(t)

	ix.Emit(events.AdminUpdated{Setting: "verifier", Value: "dm1...", Caller: testAddr(0x01)})
	ix.Emit(events.SurplusWithdrawn{To: testAddr(0x02), Amount: big.NewInt(5)})

	journal, _, _ := dump()
	require.Len(t, journal, 2)
	seen := map[string]string{}
	for _, record := range journal {
		seen[record.Type] = record.Attributes
	}
	require.Contains(t, seen, events.TypeAdminUpdated)
	require.Contains(t, seen, events.TypeSurplusWithdrawn)
	require.Contains(t, seen[events.TypeAdminUpdated], "verifier")
}

func TestIndexerTracksRequestLifecycle(t *testing.T) {
	ix, dump := newTestIndexer(t)

	ix.Emit(events.RequestCreated{
		ID:          1,
		Buyer:       testAddr(0x01),
		Deposit:     big.NewInt(400),
		Formats:     "csv",
		Description: "transit telemetry",
		CreatedAt:   1_700_000_000,
	})
	_, requests, _ := dump()
	require.Len(t, requests, 1)
	require.Equal(t, "open", requests[0].Status)
	require.Equal(t, "400", requests[0].Budget)

	ix.Emit(events.RequestCancelled{ID: 1, Buyer: testAddr(0x01), Refunded: big.NewInt(400)})
	_, requests, _ = dump()
	require.Equal(t, "cancelled", requests[0].Status)
	require.Equal(t, "0", requests[0].Budget)
}

func TestIndexerTracksSettlement(t *testing.T) {
	ix, dump := newTestIndexer(t)

	ix.Emit(events.RequestCreated{ID: 1, Buyer: testAddr(0x01), Deposit: big.NewInt(400), Formats: "csv", CreatedAt: 1_700_000_000})
	ix.Emit(events.SubmissionCreated{
		ID:            1,
		RequestID:     1,
		Seller:        testAddr(0x02),
		ProducerModel: testAddr(0x02),
		Format:        "csv",
		DatasetRef:    "bafy-dataset",
		CreatedAt:     1_700_000_100,
	})
	ix.Emit(events.SubmissionFinalized{
		SubmissionID: 1,
		RequestID:    1,
		Approved:     true,
		QualityScore: 92,
		ReportRef:    "bafy-report",
		Caller:       testAddr(0x03),
	})
	ix.Emit(events.PayoutReleased{SubmissionID: 1, RequestID: 1, Seller: testAddr(0x02), Amount: big.NewInt(400)})

	journal, requests, submissions := dump()
	require.Len(t, journal, 4)
	require.Equal(t, "closed", requests[0].Status)
	require.Equal(t, uint8(92), requests[0].Score)
	require.Equal(t, "bafy-report", requests[0].ReportRef)
	require.Equal(t, "paid", submissions[0].Status)
}

func TestIndexerTracksRefund(t *testing.T) {
	ix, dump := newTestIndexer(t)

	ix.Emit(events.SubmissionCreated{ID: 7, RequestID: 3, Seller: testAddr(0x02), Format: "json", DatasetRef: "ref", CreatedAt: 1_700_000_000})
	ix.Emit(events.RefundIssued{SubmissionID: 7, RequestID: 3, Buyer: testAddr(0x01), Amount: big.NewInt(50)})

	_, _, submissions := dump()
	require.Len(t, submissions, 1)
	require.Equal(t, "refunded", submissions[0].Status)
}
