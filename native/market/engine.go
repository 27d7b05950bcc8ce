package market

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"datamarket/core/events"
	"datamarket/core/types"
	"datamarket/crypto"
	nativecommon "datamarket/native/common"
)

var (
	errNilState            = errors.New("market engine: state not configured")
	errInsufficientBalance = errors.New("market engine: insufficient balance")
	errEngineHalted        = fmt.Errorf("%w: engine halted after consistency breach", ErrInvariantViolation)
)

// engineState is the ledger's view of persistent state. All writes land in a
// pending buffer; Commit makes them durable while Discard drops them, which is
// what gives every operation its all-or-nothing semantics.
type engineState interface {
	RequestPut(*Request) error
	RequestGet(id uint64) (*Request, bool, error)
	SubmissionPut(*Submission) error
	SubmissionGet(id uint64) (*Submission, bool, error)
	NextRequestID() (uint64, error)
	NextSubmissionID() (uint64, error)
	AppendBuyerRequest(buyer [20]byte, id uint64) error
	BuyerRequests(buyer [20]byte) ([]uint64, error)
	AppendSellerSubmission(seller [20]byte, id uint64) error
	SellerSubmissions(seller [20]byte) ([]uint64, error)
	HasSubmissionFor(requestID uint64, seller [20]byte) (bool, error)
	MarkSubmissionFor(requestID uint64, seller [20]byte) error
	AppendFinalization(caller [20]byte, submissionID uint64) error
	FinalizationsBy(caller [20]byte) ([]uint64, error)
	TotalEscrowed() (*big.Int, error)
	SetTotalEscrowed(*big.Int) error
	AccessControlGet() (*AccessControl, bool, error)
	AccessControlPut(*AccessControl) error
	VaultAddress() [20]byte
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
	Commit() error
	Discard()
}

// OperationMetrics records the outcome and latency of ledger operations.
// observability.Ledger satisfies it; the engine itself stays metrics-agnostic.
type OperationMetrics interface {
	Observe(op, outcome string, seconds float64)
}

// Engine is the escrow-and-verification state machine. Every public mutator
// runs as one serialized, non-reentrant transaction: validate, stage all
// bookkeeping in the state buffer, move funds, commit, then emit events.
type Engine struct {
	state   engineState
	emitter events.Emitter
	metrics OperationMetrics
	lock    nativecommon.OperationLock
	nowFn   func() int64
	halted  bool
}

// NewEngine creates a market engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics configures the operation metrics sink. Passing nil disables
// recording.
func (e *Engine) SetMetrics(metrics OperationMetrics) { e.metrics = metrics }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Halted reports whether a consistency breach has frozen the engine.
func (e *Engine) Halted() bool { return e != nil && e.halted }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin opens a serialized, non-reentrant operation scope. The returned finish
// function must be called exactly once with the operation's final error: it
// discards the write buffer on failure, records metrics and releases the lock.
func (e *Engine) begin(op string) (func(*error), error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.lock.Acquire(); err != nil {
		return nil, err
	}
	if e.halted {
		e.lock.Release()
		return nil, errEngineHalted
	}
	start := time.Now()
	return func(errp *error) {
		err := *errp
		if err != nil {
			e.state.Discard()
			if errors.Is(err, ErrInvariantViolation) {
				e.halted = true
			}
		}
		if e.metrics != nil {
			e.metrics.Observe(op, outcomeLabel(err), time.Since(start).Seconds())
		}
		e.lock.Release()
	}, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrDuplicateSubmission):
		return "duplicate_submission"
	case errors.Is(err, ErrPayoutFailed):
		return "payout_failed"
	case errors.Is(err, ErrRefundFailed):
		return "refund_failed"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, nativecommon.ErrReentrantCall):
		return "reentrant"
	default:
		return "error"
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// transfer moves funds between ledger accounts inside the staged write set.
// Both balances change together or not at all.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrInvalidInput)
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return errInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// checkCustody verifies the module vault still covers every escrowed deposit.
// A breach freezes the engine via begin's finish hook.
func (e *Engine) checkCustody() error {
	total, err := e.state.TotalEscrowed()
	if err != nil {
		return err
	}
	vault, err := e.state.GetAccount(e.state.VaultAddress())
	if err != nil {
		return err
	}
	vault = ensureAccount(vault)
	if vault.Balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: vault balance %s below escrowed total %s", ErrInvariantViolation, vault.Balance, total)
	}
	return nil
}

func (e *Engine) accessControl() (*AccessControl, error) {
	ac, ok, err := e.state.AccessControlGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: access control not bootstrapped", ErrInvalidState)
	}
	return ac, nil
}

// Bootstrap installs the initial access control record. It can run only once
// per ledger.
func (e *Engine) Bootstrap(owner [20]byte) (err error) {
	finish, err := e.begin("bootstrap")
	if err != nil {
		return err
	}
	defer func() { finish(&err) }()
	if owner == ([20]byte{}) {
		return fmt.Errorf("%w: owner address required", ErrInvalidInput)
	}
	if _, ok, err := e.state.AccessControlGet(); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: ledger already bootstrapped", ErrInvalidState)
	}
	if err := e.state.AccessControlPut(NewAccessControl(owner)); err != nil {
		return err
	}
	return e.state.Commit()
}

// CreateRequest escrows the buyer's deposit and opens a new dataset request.
// The caller becomes the buyer; only they may later cancel.
func (e *Engine) CreateRequest(buyer [20]byte, formats FormatSet, description string, deposit *big.Int) (id uint64, err error) {
	finish, err := e.begin("create_request")
	if err != nil {
		return 0, err
	}
	defer func() { finish(&err) }()

	if buyer == ([20]byte{}) {
		return 0, fmt.Errorf("%w: buyer address required", ErrInvalidInput)
	}
	amt := cloneBigInt(deposit)
	if amt.Sign() <= 0 {
		return 0, fmt.Errorf("%w: deposit must be positive", ErrInvalidInput)
	}
	if formats.Empty() {
		return 0, fmt.Errorf("%w: at least one accepted format required", ErrInvalidInput)
	}
	id, err = e.state.NextRequestID()
	if err != nil {
		return 0, err
	}
	req := &Request{
		ID:              id,
		Buyer:           buyer,
		Budget:          amt,
		AcceptedFormats: formats,
		Description:     description,
		Status:          RequestOpen,
		CreatedAt:       e.now(),
	}
	if err := e.state.RequestPut(req); err != nil {
		return 0, err
	}
	if err := e.state.AppendBuyerRequest(buyer, id); err != nil {
		return 0, err
	}
	total, err := e.state.TotalEscrowed()
	if err != nil {
		return 0, err
	}
	if err := e.state.SetTotalEscrowed(new(big.Int).Add(total, amt)); err != nil {
		return 0, err
	}
	if err := e.transfer(buyer, e.state.VaultAddress(), amt); err != nil {
		if errors.Is(err, errInsufficientBalance) {
			return 0, fmt.Errorf("%w: buyer balance below deposit %s", ErrInvalidInput, amt)
		}
		return 0, err
	}
	if err := e.checkCustody(); err != nil {
		return 0, err
	}
	if err := e.state.Commit(); err != nil {
		return 0, err
	}
	e.emit(events.RequestCreated{
		ID:          id,
		Buyer:       buyer,
		Deposit:     amt,
		Formats:     formats.String(),
		Description: description,
		CreatedAt:   req.CreatedAt,
	})
	return id, nil
}

// CancelRequest closes an open request and returns the full escrowed deposit
// to the buyer. This is the only path that closes a request without a
// verification verdict.
func (e *Engine) CancelRequest(id uint64, caller [20]byte) (err error) {
	finish, err := e.begin("cancel_request")
	if err != nil {
		return err
	}
	defer func() { finish(&err) }()

	req, ok, err := e.state.RequestGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	if req.Buyer != caller {
		return fmt.Errorf("%w: only the buyer may cancel request %d", ErrUnauthorized, id)
	}
	if req.Status != RequestOpen {
		return fmt.Errorf("%w: request %d already closed", ErrInvalidState, id)
	}
	amount := cloneBigInt(req.Budget)
	req.Status = RequestClosed
	req.Budget = big.NewInt(0)
	if err := e.state.RequestPut(req); err != nil {
		return err
	}
	total, err := e.state.TotalEscrowed()
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("%w: escrowed total %s below request %d budget %s", ErrInvariantViolation, total, id, amount)
	}
	if err := e.state.SetTotalEscrowed(new(big.Int).Sub(total, amount)); err != nil {
		return err
	}
	if err := e.transfer(e.state.VaultAddress(), req.Buyer, amount); err != nil {
		if errors.Is(err, errInsufficientBalance) {
			return fmt.Errorf("%w: request %d cancellation", ErrRefundFailed, id)
		}
		return err
	}
	if err := e.checkCustody(); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(events.RequestCancelled{ID: id, Buyer: req.Buyer, Refunded: amount})
	return nil
}

// SubmitDataset registers a seller's dataset claim against an open request.
// The caller becomes the seller; producerModel defaults to the caller when
// nil. Each seller may submit at most once per request.
func (e *Engine) SubmitDataset(requestID uint64, meta SubmissionMeta, producerModel *[20]byte, caller [20]byte) (id uint64, err error) {
	finish, err := e.begin("submit_dataset")
	if err != nil {
		return 0, err
	}
	defer func() { finish(&err) }()

	if caller == ([20]byte{}) {
		return 0, fmt.Errorf("%w: seller address required", ErrInvalidInput)
	}
	if err := meta.Validate(); err != nil {
		return 0, err
	}
	req, ok, err := e.state.RequestGet(requestID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: request %d", ErrNotFound, requestID)
	}
	if req.Status != RequestOpen {
		return 0, fmt.Errorf("%w: request %d is closed", ErrInvalidState, requestID)
	}
	ac, err := e.accessControl()
	if err != nil {
		return 0, err
	}
	if !ac.SellerAllowed(caller) {
		return 0, fmt.Errorf("%w: seller not whitelisted for request %d", ErrUnauthorized, requestID)
	}
	taken, err := e.state.HasSubmissionFor(requestID, caller)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, fmt.Errorf("%w: seller already submitted for request %d", ErrDuplicateSubmission, requestID)
	}
	model := caller
	if producerModel != nil && *producerModel != ([20]byte{}) {
		model = *producerModel
	}
	id, err = e.state.NextSubmissionID()
	if err != nil {
		return 0, err
	}
	sub := &Submission{
		ID:            id,
		RequestID:     requestID,
		Seller:        caller,
		ProducerModel: model,
		Meta:          meta,
		Status:        SubmissionPending,
		CreatedAt:     e.now(),
	}
	if err := e.state.SubmissionPut(sub); err != nil {
		return 0, err
	}
	if err := e.state.MarkSubmissionFor(requestID, caller); err != nil {
		return 0, err
	}
	if err := e.state.AppendSellerSubmission(caller, id); err != nil {
		return 0, err
	}
	if err := e.state.Commit(); err != nil {
		return 0, err
	}
	e.emit(events.SubmissionCreated{
		ID:            id,
		RequestID:     requestID,
		Seller:        caller,
		ProducerModel: model,
		Format:        meta.Format.String(),
		FileSize:      meta.FileSize,
		SampleCount:   meta.SampleCount,
		DatasetRef:    meta.DatasetRef,
		CreatedAt:     sub.CreatedAt,
	})
	return id, nil
}

// FinalizeSubmission renders the one-shot quality verdict on a submission and
// settles the owning request: approval pays the escrowed budget to the seller,
// rejection refunds it to the buyer. Authorization, bookkeeping and the fund
// transfer happen within a single atomic operation; every bookkeeping write is
// staged before funds move and a failed transfer discards the whole staged
// write set.
func (e *Engine) FinalizeSubmission(submissionID uint64, approved bool, qualityScore uint8, reportRef string, caller [20]byte) (err error) {
	finish, err := e.begin("finalize_submission")
	if err != nil {
		return err
	}
	defer func() { finish(&err) }()

	if qualityScore > MaxQualityScore {
		return fmt.Errorf("%w: quality score %d exceeds %d", ErrInvalidInput, qualityScore, MaxQualityScore)
	}
	if reportRef == "" {
		return fmt.Errorf("%w: report reference required", ErrInvalidInput)
	}
	sub, ok, err := e.state.SubmissionGet(submissionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: submission %d", ErrNotFound, submissionID)
	}
	if sub.QualityChecked {
		return fmt.Errorf("%w: submission %d already finalized", ErrInvalidState, submissionID)
	}
	req, ok, err := e.state.RequestGet(sub.RequestID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: request %d for submission %d", ErrNotFound, sub.RequestID, submissionID)
	}
	if req.Status != RequestOpen {
		return fmt.Errorf("%w: request %d is closed", ErrInvalidState, sub.RequestID)
	}
	if req.Finalization != nil {
		return fmt.Errorf("%w: request %d already finalized via submission %d", ErrInvariantViolation, req.ID, req.Finalization.SubmissionID)
	}
	ac, err := e.accessControl()
	if err != nil {
		return err
	}
	if !ac.CanFinalize(caller, sub.ProducerModel) {
		return fmt.Errorf("%w: caller may not finalize submission %d", ErrUnauthorized, submissionID)
	}

	// Bookkeeping first, transfer last.
	sub.QualityChecked = true
	if approved {
		sub.Status = SubmissionApproved
	} else {
		sub.Status = SubmissionRejected
	}
	if err := e.state.AppendFinalization(caller, submissionID); err != nil {
		return err
	}
	req.Finalization = &Finalization{
		QualityScore: qualityScore,
		ReportRef:    reportRef,
		SubmissionID: submissionID,
	}
	req.Status = RequestClosed
	amount := cloneBigInt(req.Budget)
	req.Budget = big.NewInt(0)
	if err := e.state.RequestPut(req); err != nil {
		return err
	}
	total, err := e.state.TotalEscrowed()
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("%w: escrowed total %s below request %d budget %s", ErrInvariantViolation, total, req.ID, amount)
	}
	if err := e.state.SetTotalEscrowed(new(big.Int).Sub(total, amount)); err != nil {
		return err
	}

	recipient := sub.Seller
	if !approved {
		recipient = req.Buyer
	}
	if err := e.transfer(e.state.VaultAddress(), recipient, amount); err != nil {
		if !errors.Is(err, errInsufficientBalance) {
			return err
		}
		if approved {
			return fmt.Errorf("%w: submission %d", ErrPayoutFailed, submissionID)
		}
		return fmt.Errorf("%w: submission %d", ErrRefundFailed, submissionID)
	}
	if approved {
		sub.Status = SubmissionPaid
	} else {
		sub.Status = SubmissionRefunded
	}
	if err := e.state.SubmissionPut(sub); err != nil {
		return err
	}
	if err := e.checkCustody(); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}

	e.emit(events.SubmissionFinalized{
		SubmissionID: submissionID,
		RequestID:    req.ID,
		Approved:     approved,
		QualityScore: qualityScore,
		ReportRef:    reportRef,
		Caller:       caller,
	})
	if approved {
		e.emit(events.PayoutReleased{SubmissionID: submissionID, RequestID: req.ID, Seller: sub.Seller, Amount: amount})
	} else {
		e.emit(events.RefundIssued{SubmissionID: submissionID, RequestID: req.ID, Buyer: req.Buyer, Amount: amount})
	}
	return nil
}

// --- Administrative operations (owner-only) ---

func (e *Engine) adminUpdate(op string, caller [20]byte, apply func(*AccessControl) (events.AdminUpdated, error)) (err error) {
	finish, err := e.begin(op)
	if err != nil {
		return err
	}
	defer func() { finish(&err) }()

	ac, err := e.accessControl()
	if err != nil {
		return err
	}
	if !ac.IsOwner(caller) {
		return fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	evt, err := apply(ac)
	if err != nil {
		return err
	}
	if err := e.state.AccessControlPut(ac); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	evt.Caller = caller
	e.emit(evt)
	return nil
}

// SetVerifier designates the identity authorized to render verdicts.
func (e *Engine) SetVerifier(verifier [20]byte, caller [20]byte) error {
	return e.adminUpdate("set_verifier", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		ac.Verifier = verifier
		return events.AdminUpdated{Setting: "verifier", Value: addressValue(verifier)}, nil
	})
}

// SetWhitelistEnabled toggles seller whitelist enforcement.
func (e *Engine) SetWhitelistEnabled(enabled bool, caller [20]byte) error {
	return e.adminUpdate("set_whitelist_enabled", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		ac.WhitelistEnabled = enabled
		return events.AdminUpdated{Setting: "whitelistEnabled", Value: strconv.FormatBool(enabled)}, nil
	})
}

// UpdateSellerWhitelist admits or removes a seller.
func (e *Engine) UpdateSellerWhitelist(seller [20]byte, allowed bool, caller [20]byte) error {
	return e.adminUpdate("update_seller_whitelist", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		if seller == ([20]byte{}) {
			return events.AdminUpdated{}, fmt.Errorf("%w: seller address required", ErrInvalidInput)
		}
		if allowed {
			ac.SellerWhitelist[seller] = true
		} else {
			delete(ac.SellerWhitelist, seller)
		}
		return events.AdminUpdated{Setting: "sellerWhitelist", Value: addressValue(seller) + "=" + strconv.FormatBool(allowed)}, nil
	})
}

// SetModelRegistryEnabled toggles model registry enforcement for self-verify.
func (e *Engine) SetModelRegistryEnabled(enabled bool, caller [20]byte) error {
	return e.adminUpdate("set_model_registry_enabled", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		ac.ModelRegistryEnabled = enabled
		return events.AdminUpdated{Setting: "modelRegistryEnabled", Value: strconv.FormatBool(enabled)}, nil
	})
}

// UpdateModelRegistry registers or removes a producing model.
func (e *Engine) UpdateModelRegistry(model [20]byte, registered bool, caller [20]byte) error {
	return e.adminUpdate("update_model_registry", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		if model == ([20]byte{}) {
			return events.AdminUpdated{}, fmt.Errorf("%w: model address required", ErrInvalidInput)
		}
		if registered {
			ac.ModelRegistry[model] = true
		} else {
			delete(ac.ModelRegistry, model)
		}
		return events.AdminUpdated{Setting: "modelRegistry", Value: addressValue(model) + "=" + strconv.FormatBool(registered)}, nil
	})
}

// SetAllowModelSelfVerify toggles the opt-in allowing a producing model to
// finalize its own submissions.
func (e *Engine) SetAllowModelSelfVerify(allowed bool, caller [20]byte) error {
	return e.adminUpdate("set_allow_model_self_verify", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		ac.AllowModelSelfVerify = allowed
		return events.AdminUpdated{Setting: "allowModelSelfVerify", Value: strconv.FormatBool(allowed)}, nil
	})
}

// TransferOwnership stages a new owner. The transfer completes only when the
// nominee calls AcceptOwnership, so a typo cannot strand the ledger.
func (e *Engine) TransferOwnership(next [20]byte, caller [20]byte) error {
	return e.adminUpdate("transfer_ownership", caller, func(ac *AccessControl) (events.AdminUpdated, error) {
		if next == ([20]byte{}) {
			return events.AdminUpdated{}, fmt.Errorf("%w: next owner address required", ErrInvalidInput)
		}
		ac.PendingOwner = next
		return events.AdminUpdated{Setting: "pendingOwner", Value: addressValue(next)}, nil
	})
}

// AcceptOwnership completes a staged ownership transfer.
func (e *Engine) AcceptOwnership(caller [20]byte) (err error) {
	finish, err := e.begin("accept_ownership")
	if err != nil {
		return err
	}
	defer func() { finish(&err) }()

	ac, err := e.accessControl()
	if err != nil {
		return err
	}
	if ac.PendingOwner == ([20]byte{}) || ac.PendingOwner != caller {
		return fmt.Errorf("%w: caller is not the pending owner", ErrUnauthorized)
	}
	ac.Owner = caller
	ac.PendingOwner = [20]byte{}
	if err := e.state.AccessControlPut(ac); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(events.AdminUpdated{Setting: "owner", Value: addressValue(caller), Caller: caller})
	return nil
}

// WithdrawSurplus sweeps non-escrow funds out of the module vault. The vault
// may hold more than the escrowed total (accidental transfers); withdrawal can
// never dip into escrow.
func (e *Engine) WithdrawSurplus(to [20]byte, amount *big.Int, caller [20]byte) (err error) {
	finish, err := e.begin("withdraw_surplus")
	if err != nil {
		return err
	}
	defer func() { finish(&err) }()

	ac, err := e.accessControl()
	if err != nil {
		return err
	}
	if !ac.IsOwner(caller) {
		return fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("%w: recipient address required", ErrInvalidInput)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	total, err := e.state.TotalEscrowed()
	if err != nil {
		return err
	}
	vaultAddr := e.state.VaultAddress()
	vault, err := e.state.GetAccount(vaultAddr)
	if err != nil {
		return err
	}
	vault = ensureAccount(vault)
	surplus := new(big.Int).Sub(vault.Balance, total)
	if surplus.Cmp(amt) < 0 {
		return fmt.Errorf("%w: amount %s exceeds vault surplus %s", ErrInvalidInput, amt, surplus)
	}
	if err := e.transfer(vaultAddr, to, amt); err != nil {
		return err
	}
	if err := e.checkCustody(); err != nil {
		return err
	}
	if err := e.state.Commit(); err != nil {
		return err
	}
	e.emit(events.SurplusWithdrawn{To: to, Amount: amt})
	return nil
}

// --- Read-only queries ---

// GetRequest returns a copy of the request record.
func (e *Engine) GetRequest(id uint64) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	req, ok, err := e.state.RequestGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	return req, nil
}

// GetSubmission returns a copy of the submission record.
func (e *Engine) GetSubmission(id uint64) (*Submission, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sub, ok, err := e.state.SubmissionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: submission %d", ErrNotFound, id)
	}
	return sub, nil
}

// ListRequestsByBuyer returns the ids of every request the buyer has funded.
func (e *Engine) ListRequestsByBuyer(buyer [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.BuyerRequests(buyer)
}

// ListSubmissionsBySeller returns the ids of every submission the seller has
// registered.
func (e *Engine) ListSubmissionsBySeller(seller [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.SellerSubmissions(seller)
}

// ListFinalizationsByVerifier returns the append-only audit trail of
// submissions the identity has finalized.
func (e *Engine) ListFinalizationsByVerifier(verifier [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.FinalizationsBy(verifier)
}

// TotalEscrowed returns the custody counter covering all open requests.
func (e *Engine) TotalEscrowed() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.TotalEscrowed()
}

func addressValue(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}
