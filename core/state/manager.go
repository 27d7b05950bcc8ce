package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"datamarket/core/types"
	"datamarket/native/market"
	"datamarket/storage"
)

var (
	requestPrefix       = []byte("market/request/")
	submissionPrefix    = []byte("market/submission/")
	requestSeqKey       = []byte("market/seq/request")
	submissionSeqKey    = []byte("market/seq/submission")
	buyerIndexPrefix    = []byte("market/index/buyer/")
	sellerIndexPrefix   = []byte("market/index/seller/")
	verifierIndexPrefix = []byte("market/index/verifier/")
	submittedPrefix     = []byte("market/submitted/")
	totalEscrowKey      = []byte("market/escrow/total")
	accessControlKey    = []byte("market/access")
	accountPrefix       = []byte("account/")
)

// Manager mediates every read and write between the ledger engine and the
// underlying key-value store. Writes accumulate in a pending buffer that the
// engine commits once per operation, so a failed operation leaves no trace.
type Manager struct {
	db      storage.Database
	mu      sync.RWMutex
	pending map[string][]byte
	vault   [20]byte
}

// NewManager wraps a database handle. The module vault address is derived
// deterministically from the ledger namespace so every node agrees on it.
func NewManager(db storage.Database) *Manager {
	var vault [20]byte
	hash := ethcrypto.Keccak256([]byte("datamarket/module/vault"))
	copy(vault[:], hash[12:])
	return &Manager{
		db:      db,
		pending: make(map[string][]byte),
		vault:   vault,
	}
}

// VaultAddress returns the account custodying all escrowed deposits.
func (m *Manager) VaultAddress() [20]byte { return m.vault }

// Commit flushes the pending write set to the database and clears it.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range m.pending {
		if err := m.db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("state: commit %q: %w", key, err)
		}
	}
	m.pending = make(map[string][]byte)
	return nil
}

// Discard drops the pending write set without touching the database.
func (m *Manager) Discard() {
	m.mu.Lock()
	m.pending = make(map[string][]byte)
	m.mu.Unlock()
}

func (m *Manager) getRaw(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	if value, ok := m.pending[string(key)]; ok {
		m.mu.RUnlock()
		return value, true, nil
	}
	m.mu.RUnlock()
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) putRaw(key []byte, value []byte) {
	m.mu.Lock()
	m.pending[string(key)] = value
	m.mu.Unlock()
}

func (m *Manager) getRLP(key []byte, out interface{}) (bool, error) {
	raw, ok, err := m.getRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	m.putRaw(key, encoded)
	return nil
}

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(key, buf[:]...)
}

func addrKey(prefix []byte, addr [20]byte) []byte {
	key := make([]byte, 0, len(prefix)+20)
	key = append(key, prefix...)
	return append(key, addr[:]...)
}

func submittedKey(requestID uint64, seller [20]byte) []byte {
	key := idKey(submittedPrefix, requestID)
	key = append(key, '/')
	return append(key, seller[:]...)
}

// --- Stored forms (RLP requires unsigned ints and no maps) ---

type storedRequest struct {
	ID              uint64
	Buyer           [20]byte
	Budget          *big.Int
	FormatMask      uint32
	Description     string
	Status          uint8
	HasFinalization bool
	QualityScore    uint8
	ReportRef       string
	FinalSubmission uint64
	CreatedAt       uint64
}

type storedSubmission struct {
	ID             uint64
	RequestID      uint64
	Seller         [20]byte
	ProducerModel  [20]byte
	Format         uint8
	FileSize       uint64
	SampleCount    uint64
	FileExtensions []string
	DatasetRef     string
	Status         uint8
	QualityChecked bool
	CreatedAt      uint64
}

type storedAccessControl struct {
	Owner                [20]byte
	PendingOwner         [20]byte
	Verifier             [20]byte
	WhitelistEnabled     bool
	SellerWhitelist      [][20]byte
	ModelRegistryEnabled bool
	ModelRegistry        [][20]byte
	AllowModelSelfVerify bool
}

// --- Requests ---

// RequestPut stages a sanitized request record.
func (m *Manager) RequestPut(req *market.Request) error {
	sanitized, err := market.SanitizeRequest(req)
	if err != nil {
		return err
	}
	stored := storedRequest{
		ID:          sanitized.ID,
		Buyer:       sanitized.Buyer,
		Budget:      sanitized.Budget,
		FormatMask:  sanitized.AcceptedFormats.Mask(),
		Description: sanitized.Description,
		Status:      uint8(sanitized.Status),
		CreatedAt:   uint64(sanitized.CreatedAt),
	}
	if sanitized.Finalization != nil {
		stored.HasFinalization = true
		stored.QualityScore = sanitized.Finalization.QualityScore
		stored.ReportRef = sanitized.Finalization.ReportRef
		stored.FinalSubmission = sanitized.Finalization.SubmissionID
	}
	return m.putRLP(idKey(requestPrefix, sanitized.ID), &stored)
}

// RequestGet loads a request record by id.
func (m *Manager) RequestGet(id uint64) (*market.Request, bool, error) {
	var stored storedRequest
	ok, err := m.getRLP(idKey(requestPrefix, id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	formats, err := market.FormatSetFromMask(stored.FormatMask)
	if err != nil {
		return nil, false, err
	}
	req := &market.Request{
		ID:              stored.ID,
		Buyer:           stored.Buyer,
		Budget:          stored.Budget,
		AcceptedFormats: formats,
		Description:     stored.Description,
		Status:          market.RequestStatus(stored.Status),
		CreatedAt:       int64(stored.CreatedAt),
	}
	if stored.HasFinalization {
		req.Finalization = &market.Finalization{
			QualityScore: stored.QualityScore,
			ReportRef:    stored.ReportRef,
			SubmissionID: stored.FinalSubmission,
		}
	}
	sanitized, err := market.SanitizeRequest(req)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// --- Submissions ---

// SubmissionPut stages a sanitized submission record.
func (m *Manager) SubmissionPut(sub *market.Submission) error {
	sanitized, err := market.SanitizeSubmission(sub)
	if err != nil {
		return err
	}
	stored := storedSubmission{
		ID:             sanitized.ID,
		RequestID:      sanitized.RequestID,
		Seller:         sanitized.Seller,
		ProducerModel:  sanitized.ProducerModel,
		Format:         uint8(sanitized.Meta.Format),
		FileSize:       sanitized.Meta.FileSize,
		SampleCount:    sanitized.Meta.SampleCount,
		FileExtensions: sanitized.Meta.FileExtensions,
		DatasetRef:     sanitized.Meta.DatasetRef,
		Status:         uint8(sanitized.Status),
		QualityChecked: sanitized.QualityChecked,
		CreatedAt:      uint64(sanitized.CreatedAt),
	}
	return m.putRLP(idKey(submissionPrefix, sanitized.ID), &stored)
}

// SubmissionGet loads a submission record by id.
func (m *Manager) SubmissionGet(id uint64) (*market.Submission, bool, error) {
	var stored storedSubmission
	ok, err := m.getRLP(idKey(submissionPrefix, id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	sub := &market.Submission{
		ID:            stored.ID,
		RequestID:     stored.RequestID,
		Seller:        stored.Seller,
		ProducerModel: stored.ProducerModel,
		Meta: market.SubmissionMeta{
			Format:         market.Format(stored.Format),
			FileSize:       stored.FileSize,
			SampleCount:    stored.SampleCount,
			FileExtensions: stored.FileExtensions,
			DatasetRef:     stored.DatasetRef,
		},
		Status:         market.SubmissionStatus(stored.Status),
		QualityChecked: stored.QualityChecked,
		CreatedAt:      int64(stored.CreatedAt),
	}
	sanitized, err := market.SanitizeSubmission(sub)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// --- Sequences ---

func (m *Manager) nextID(key []byte) (uint64, error) {
	var current uint64
	if _, err := m.getRLP(key, &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.putRLP(key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// NextRequestID allocates the next monotonically increasing request id.
// Identifiers start at 1 and are never reused.
func (m *Manager) NextRequestID() (uint64, error) {
	return m.nextID(requestSeqKey)
}

// NextSubmissionID allocates the next monotonically increasing submission id.
func (m *Manager) NextSubmissionID() (uint64, error) {
	return m.nextID(submissionSeqKey)
}

// --- Indexes ---

func (m *Manager) appendIndex(prefix []byte, addr [20]byte, id uint64) error {
	key := addrKey(prefix, addr)
	var ids []uint64
	if _, err := m.getRLP(key, &ids); err != nil {
		return err
	}
	ids = append(ids, id)
	return m.putRLP(key, ids)
}

func (m *Manager) readIndex(prefix []byte, addr [20]byte) ([]uint64, error) {
	var ids []uint64
	if _, err := m.getRLP(addrKey(prefix, addr), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendBuyerRequest records a request id under the buyer's index.
func (m *Manager) AppendBuyerRequest(buyer [20]byte, id uint64) error {
	return m.appendIndex(buyerIndexPrefix, buyer, id)
}

// BuyerRequests lists the request ids funded by a buyer, oldest first.
func (m *Manager) BuyerRequests(buyer [20]byte) ([]uint64, error) {
	return m.readIndex(buyerIndexPrefix, buyer)
}

// AppendSellerSubmission records a submission id under the seller's index.
func (m *Manager) AppendSellerSubmission(seller [20]byte, id uint64) error {
	return m.appendIndex(sellerIndexPrefix, seller, id)
}

// SellerSubmissions lists the submission ids registered by a seller.
func (m *Manager) SellerSubmissions(seller [20]byte) ([]uint64, error) {
	return m.readIndex(sellerIndexPrefix, seller)
}

// AppendFinalization records a settled submission under the finalizer's
// append-only audit index.
func (m *Manager) AppendFinalization(caller [20]byte, submissionID uint64) error {
	return m.appendIndex(verifierIndexPrefix, caller, submissionID)
}

// FinalizationsBy lists the submissions an identity has finalized.
func (m *Manager) FinalizationsBy(caller [20]byte) ([]uint64, error) {
	return m.readIndex(verifierIndexPrefix, caller)
}

// HasSubmissionFor reports whether the seller already submitted against the
// request.
func (m *Manager) HasSubmissionFor(requestID uint64, seller [20]byte) (bool, error) {
	_, ok, err := m.getRaw(submittedKey(requestID, seller))
	return ok, err
}

// MarkSubmissionFor consumes the (request, seller) pair.
func (m *Manager) MarkSubmissionFor(requestID uint64, seller [20]byte) error {
	return m.putRLP(submittedKey(requestID, seller), true)
}

// --- Escrow counter ---

// TotalEscrowed returns the sum of budgets across all open requests.
func (m *Manager) TotalEscrowed() (*big.Int, error) {
	total := new(big.Int)
	if _, err := m.getRLP(totalEscrowKey, total); err != nil {
		return nil, err
	}
	return total, nil
}

// SetTotalEscrowed stages the escrow counter.
func (m *Manager) SetTotalEscrowed(total *big.Int) error {
	if total == nil || total.Sign() < 0 {
		return fmt.Errorf("state: escrow total must be non-negative")
	}
	return m.putRLP(totalEscrowKey, total)
}

// --- Access control ---

// AccessControlGet loads the administrative record.
func (m *Manager) AccessControlGet() (*market.AccessControl, bool, error) {
	var stored storedAccessControl
	ok, err := m.getRLP(accessControlKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	ac := market.NewAccessControl(stored.Owner)
	ac.PendingOwner = stored.PendingOwner
	ac.Verifier = stored.Verifier
	ac.WhitelistEnabled = stored.WhitelistEnabled
	ac.ModelRegistryEnabled = stored.ModelRegistryEnabled
	ac.AllowModelSelfVerify = stored.AllowModelSelfVerify
	for _, addr := range stored.SellerWhitelist {
		ac.SellerWhitelist[addr] = true
	}
	for _, addr := range stored.ModelRegistry {
		ac.ModelRegistry[addr] = true
	}
	return ac, true, nil
}

// AccessControlPut stages the administrative record. Membership sets are
// stored sorted so the encoding stays deterministic.
func (m *Manager) AccessControlPut(ac *market.AccessControl) error {
	if ac == nil {
		return fmt.Errorf("state: nil access control")
	}
	stored := storedAccessControl{
		Owner:                ac.Owner,
		PendingOwner:         ac.PendingOwner,
		Verifier:             ac.Verifier,
		WhitelistEnabled:     ac.WhitelistEnabled,
		SellerWhitelist:      sortedMembers(ac.SellerWhitelist),
		ModelRegistryEnabled: ac.ModelRegistryEnabled,
		ModelRegistry:        sortedMembers(ac.ModelRegistry),
		AllowModelSelfVerify: ac.AllowModelSelfVerify,
	}
	return m.putRLP(accessControlKey, &stored)
}

func sortedMembers(set map[[20]byte]bool) [][20]byte {
	members := make([][20]byte, 0, len(set))
	for addr, ok := range set {
		if ok {
			members = append(members, addr)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return members
}

// --- Accounts ---

// GetAccount loads an account, returning a zero-balance record for unknown
// addresses.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var acc types.Account
	ok, err := m.getRLP(addrKey(accountPrefix, addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return &acc, nil
}

// PutAccount stages an account record.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("state: nil account")
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	if acc.Balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must be non-negative")
	}
	return m.putRLP(addrKey(accountPrefix, addr), acc)
}
