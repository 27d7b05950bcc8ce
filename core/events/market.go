package events

import (
	"math/big"
	"strconv"

	"datamarket/core/types"
	"datamarket/crypto"
)

const (
	TypeRequestCreated      = "market.request.created"
	TypeRequestCancelled    = "market.request.cancelled"
	TypeSubmissionCreated   = "market.submission.created"
	TypeSubmissionFinalized = "market.submission.finalized"
	TypePayoutReleased      = "market.payout.released"
	TypeRefundIssued        = "market.refund.issued"
	TypeAdminUpdated        = "market.admin.updated"
	TypeSurplusWithdrawn    = "market.surplus.withdrawn"
)

// RequestCreated is emitted when a buyer funds a new dataset request.
type RequestCreated struct {
	ID          uint64
	Buyer       [20]byte
	Deposit     *big.Int
	Formats     string
	Description string
	CreatedAt   int64
}

func (RequestCreated) EventType() string { return TypeRequestCreated }

func (e RequestCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeRequestCreated,
		Attributes: map[string]string{
			"id":          uintToString(e.ID),
			"buyer":       addressString(e.Buyer),
			"deposit":     formatAmount(e.Deposit),
			"formats":     e.Formats,
			"description": e.Description,
			"createdAt":   intToString(e.CreatedAt),
		},
	}
}

// RequestCancelled is emitted when the buyer withdraws an open request and the
// escrowed deposit is returned.
type RequestCancelled struct {
	ID       uint64
	Buyer    [20]byte
	Refunded *big.Int
}

func (RequestCancelled) EventType() string { return TypeRequestCancelled }

func (e RequestCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeRequestCancelled,
		Attributes: map[string]string{
			"id":       uintToString(e.ID),
			"buyer":    addressString(e.Buyer),
			"refunded": formatAmount(e.Refunded),
		},
	}
}

// SubmissionCreated is emitted when a seller registers a dataset against an
// open request.
type SubmissionCreated struct {
	ID            uint64
	RequestID     uint64
	Seller        [20]byte
	ProducerModel [20]byte
	Format        string
	FileSize      uint64
	SampleCount   uint64
	DatasetRef    string
	CreatedAt     int64
}

func (SubmissionCreated) EventType() string { return TypeSubmissionCreated }

func (e SubmissionCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeSubmissionCreated,
		Attributes: map[string]string{
			"id":            uintToString(e.ID),
			"requestId":     uintToString(e.RequestID),
			"seller":        addressString(e.Seller),
			"producerModel": addressString(e.ProducerModel),
			"format":        e.Format,
			"fileSize":      uintToString(e.FileSize),
			"sampleCount":   uintToString(e.SampleCount),
			"datasetRef":    e.DatasetRef,
			"createdAt":     intToString(e.CreatedAt),
		},
	}
}

// SubmissionFinalized is emitted when an authorized caller renders the
// approve/reject verdict that settles a submission.
type SubmissionFinalized struct {
	SubmissionID uint64
	RequestID    uint64
	Approved     bool
	QualityScore uint8
	ReportRef    string
	Caller       [20]byte
}

func (SubmissionFinalized) EventType() string { return TypeSubmissionFinalized }

func (e SubmissionFinalized) Event() *types.Event {
	return &types.Event{
		Type: TypeSubmissionFinalized,
		Attributes: map[string]string{
			"submissionId": uintToString(e.SubmissionID),
			"requestId":    uintToString(e.RequestID),
			"approved":     strconv.FormatBool(e.Approved),
			"qualityScore": uintToString(uint64(e.QualityScore)),
			"reportRef":    e.ReportRef,
			"caller":       addressString(e.Caller),
		},
	}
}

// PayoutReleased is emitted when escrowed funds move to the seller of an
// approved submission.
type PayoutReleased struct {
	SubmissionID uint64
	RequestID    uint64
	Seller       [20]byte
	Amount       *big.Int
}

func (PayoutReleased) EventType() string { return TypePayoutReleased }

func (e PayoutReleased) Event() *types.Event {
	return &types.Event{
		Type: TypePayoutReleased,
		Attributes: map[string]string{
			"submissionId": uintToString(e.SubmissionID),
			"requestId":    uintToString(e.RequestID),
			"seller":       addressString(e.Seller),
			"amount":       formatAmount(e.Amount),
		},
	}
}

// RefundIssued is emitted when escrowed funds return to the buyer of a
// rejected submission.
type RefundIssued struct {
	SubmissionID uint64
	RequestID    uint64
	Buyer        [20]byte
	Amount       *big.Int
}

func (RefundIssued) EventType() string { return TypeRefundIssued }

func (e RefundIssued) Event() *types.Event {
	return &types.Event{
		Type: TypeRefundIssued,
		Attributes: map[string]string{
			"submissionId": uintToString(e.SubmissionID),
			"requestId":    uintToString(e.RequestID),
			"buyer":        addressString(e.Buyer),
			"amount":       formatAmount(e.Amount),
		},
	}
}

// AdminUpdated is emitted whenever an owner-only setting changes.
type AdminUpdated struct {
	Setting string
	Value   string
	Caller  [20]byte
}

func (AdminUpdated) EventType() string { return TypeAdminUpdated }

func (e AdminUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeAdminUpdated,
		Attributes: map[string]string{
			"setting": e.Setting,
			"value":   e.Value,
			"caller":  addressString(e.Caller),
		},
	}
}

// SurplusWithdrawn is emitted when the owner sweeps non-escrow funds out of
// the module vault.
type SurplusWithdrawn struct {
	To     [20]byte
	Amount *big.Int
}

func (SurplusWithdrawn) EventType() string { return TypeSurplusWithdrawn }

func (e SurplusWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeSurplusWithdrawn,
		Attributes: map[string]string{
			"to":     addressString(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
