package state

import (
	"math/big"
	"testing"

	"datamarket/core/types"
	"datamarket/native/market"
	"datamarket/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func testRequest(t *testing.T, id uint64) *market.Request {
	t.Helper()
	formats, err := market.NewFormatSet(market.FormatCSV, market.FormatParquet)
	if err != nil {
		t.Fatalf("format set: %v", err)
	}
	return &market.Request{
		ID:              id,
		Buyer:           testAddr(0x10),
		Budget:          big.NewInt(1200),
		AcceptedFormats: formats,
		Description:     "satellite imagery tiles",
		Status:          market.RequestOpen,
		CreatedAt:       1_700_000_000,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	m := newTestManager(t)
	req := testRequest(t, 1)
	req.Finalization = &market.Finalization{QualityScore: 77, ReportRef: "bafy-report", SubmissionID: 4}
	req.Status = market.RequestClosed
	req.Budget = big.NewInt(0)

	if err := m.RequestPut(req); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, ok, err := m.RequestGet(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("request not found after commit")
	}
	if loaded.Buyer != req.Buyer || loaded.Description != req.Description {
		t.Fatalf("request fields changed in round trip: %+v", loaded)
	}
	if loaded.Status != market.RequestClosed || loaded.Budget.Sign() != 0 {
		t.Fatalf("status or budget changed: %v %s", loaded.Status, loaded.Budget)
	}
	if loaded.AcceptedFormats != req.AcceptedFormats {
		t.Fatalf("format set changed: %v vs %v", loaded.AcceptedFormats.List(), req.AcceptedFormats.List())
	}
	if loaded.Finalization == nil || *loaded.Finalization != *req.Finalization {
		t.Fatalf("finalization changed: %+v", loaded.Finalization)
	}
	if loaded.CreatedAt != req.CreatedAt {
		t.Fatalf("timestamp changed: %d", loaded.CreatedAt)
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	m := newTestManager(t)
	sub := &market.Submission{
		ID:            2,
		RequestID:     1,
		Seller:        testAddr(0x20),
		ProducerModel: testAddr(0x21),
		Meta: market.SubmissionMeta{
			Format:         market.FormatJSONL,
			FileSize:       4096,
			SampleCount:    1000,
			FileExtensions: []string{".jsonl", ".gz"},
			DatasetRef:     "bafy-dataset",
		},
		Status:         market.SubmissionPaid,
		QualityChecked: true,
		CreatedAt:      1_700_000_100,
	}
	if err := m.SubmissionPut(sub); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, ok, err := m.SubmissionGet(2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("submission not found after commit")
	}
	if loaded.Seller != sub.Seller || loaded.ProducerModel != sub.ProducerModel {
		t.Fatalf("parties changed in round trip: %+v", loaded)
	}
	if loaded.Status != market.SubmissionPaid || !loaded.QualityChecked {
		t.Fatalf("settlement state changed: %v %v", loaded.Status, loaded.QualityChecked)
	}
	if loaded.Meta.Format != market.FormatJSONL || loaded.Meta.DatasetRef != "bafy-dataset" {
		t.Fatalf("metadata changed: %+v", loaded.Meta)
	}
	if len(loaded.Meta.FileExtensions) != 2 || loaded.Meta.FileExtensions[1] != ".gz" {
		t.Fatalf("extensions changed: %v", loaded.Meta.FileExtensions)
	}
}

func TestPendingWritesAreInvisibleUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	writer := NewManager(db)
	reader := NewManager(db)

	if err := writer.RequestPut(testRequest(t, 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Staged writes are visible to the staging manager.
	if _, ok, err := writer.RequestGet(1); err != nil || !ok {
		t.Fatalf("writer must read its own staged write, ok=%v err=%v", ok, err)
	}
	// But not to anyone reading the database directly.
	if _, ok, err := reader.RequestGet(1); err != nil || ok {
		t.Fatalf("uncommitted write leaked to the database, ok=%v err=%v", ok, err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok, err := reader.RequestGet(1); err != nil || !ok {
		t.Fatalf("committed write not visible, ok=%v err=%v", ok, err)
	}
}

func TestDiscardDropsStagedWrites(t *testing.T) {
	m := newTestManager(t)
	if err := m.RequestPut(testRequest(t, 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.SetTotalEscrowed(big.NewInt(1200)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	m.Discard()

	if _, ok, err := m.RequestGet(1); err != nil || ok {
		t.Fatalf("discarded request still readable, ok=%v err=%v", ok, err)
	}
	total, err := m.TotalEscrowed()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("discarded escrow total still readable: %s", total)
	}
}

func TestSequencesStartAtOneAndSurviveCommit(t *testing.T) {
	m := newTestManager(t)
	first, err := m.NextRequestID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first id 1, got %d", first)
	}
	second, err := m.NextRequestID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if second != 2 {
		t.Fatalf("expected second id 2, got %d", second)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	third, err := m.NextRequestID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if third != 3 {
		t.Fatalf("sequence restarted after commit: %d", third)
	}

	subID, err := m.NextSubmissionID()
	if err != nil {
		t.Fatalf("next submission id: %v", err)
	}
	if subID != 1 {
		t.Fatalf("submission sequence must be independent, got %d", subID)
	}
}

func TestIndexesAppendInOrder(t *testing.T) {
	m := newTestManager(t)
	buyer := testAddr(0x30)
	for id := uint64(1); id <= 3; id++ {
		if err := m.AppendBuyerRequest(buyer, id); err != nil {
			t.Fatalf("append %d: %v", id, err)
		}
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ids, err := m.BuyerRequests(buyer)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected index %v", ids)
	}
	other, err := m.BuyerRequests(testAddr(0x31))
	if err != nil {
		t.Fatalf("read empty index: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected empty index, got %v", other)
	}
}

func TestSubmissionDedupMarker(t *testing.T) {
	m := newTestManager(t)
	seller := testAddr(0x40)

	taken, err := m.HasSubmissionFor(1, seller)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if taken {
		t.Fatalf("fresh pair reported taken")
	}
	if err := m.MarkSubmissionFor(1, seller); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	taken, err = m.HasSubmissionFor(1, seller)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !taken {
		t.Fatalf("marked pair reported free")
	}
	// Same seller, different request stays free.
	taken, err = m.HasSubmissionFor(2, seller)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if taken {
		t.Fatalf("marker leaked across requests")
	}
}

func TestAccessControlRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ac := market.NewAccessControl(testAddr(0x01))
	ac.PendingOwner = testAddr(0x02)
	ac.Verifier = testAddr(0x03)
	ac.WhitelistEnabled = true
	ac.SellerWhitelist[testAddr(0x04)] = true
	ac.SellerWhitelist[testAddr(0x05)] = true
	ac.ModelRegistryEnabled = true
	ac.ModelRegistry[testAddr(0x06)] = true
	ac.AllowModelSelfVerify = true

	if err := m.AccessControlPut(ac); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, ok, err := m.AccessControlGet()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("access control not found after commit")
	}
	if loaded.Owner != ac.Owner || loaded.PendingOwner != ac.PendingOwner || loaded.Verifier != ac.Verifier {
		t.Fatalf("roles changed in round trip: %+v", loaded)
	}
	if !loaded.WhitelistEnabled || !loaded.ModelRegistryEnabled || !loaded.AllowModelSelfVerify {
		t.Fatalf("toggles changed in round trip: %+v", loaded)
	}
	if !loaded.SellerWhitelist[testAddr(0x04)] || !loaded.SellerWhitelist[testAddr(0x05)] {
		t.Fatalf("seller whitelist changed: %v", loaded.SellerWhitelist)
	}
	if !loaded.ModelRegistry[testAddr(0x06)] {
		t.Fatalf("model registry changed: %v", loaded.ModelRegistry)
	}
}

func TestAccessControlMissing(t *testing.T) {
	m := newTestManager(t)
	if _, ok, err := m.AccessControlGet(); err != nil || ok {
		t.Fatalf("fresh ledger must have no access control, ok=%v err=%v", ok, err)
	}
}

func TestAccountsDefaultToZeroBalance(t *testing.T) {
	m := newTestManager(t)
	addr := testAddr(0x50)

	acc, err := m.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Balance.Sign() != 0 {
		t.Fatalf("unknown account must be empty, got %s", acc.Balance)
	}
	acc.Balance = big.NewInt(900)
	acc.Nonce = 3
	if err := m.PutAccount(addr, acc); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, err := m.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Balance.Cmp(big.NewInt(900)) != 0 || loaded.Nonce != 3 {
		t.Fatalf("account changed in round trip: %+v", loaded)
	}

	if err := m.PutAccount(addr, &types.Account{Balance: big.NewInt(-1)}); err == nil {
		t.Fatalf("negative balance must be rejected")
	}
}

func TestVaultAddressIsDeterministic(t *testing.T) {
	a := NewManager(storage.NewMemDB())
	b := NewManager(storage.NewMemDB())
	if a.VaultAddress() != b.VaultAddress() {
		t.Fatalf("vault address must not depend on the database")
	}
	if a.VaultAddress() == ([20]byte{}) {
		t.Fatalf("vault address must be non-zero")
	}
}

func TestEscrowTotalRejectsNegative(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetTotalEscrowed(big.NewInt(-5)); err == nil {
		t.Fatalf("negative escrow total must be rejected")
	}
	if err := m.SetTotalEscrowed(nil); err == nil {
		t.Fatalf("nil escrow total must be rejected")
	}
}
