package market

import (
	"fmt"
	"math/big"
	"strings"
)

// RequestStatus tracks the one-way Open -> Closed lifecycle of a request.
type RequestStatus uint8

const (
	RequestOpen RequestStatus = iota
	RequestClosed
)

// Valid reports whether the status value is within the supported range.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestOpen, RequestClosed:
		return true
	default:
		return false
	}
}

func (s RequestStatus) String() string {
	switch s {
	case RequestOpen:
		return "open"
	case RequestClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Finalization is written exactly once when an authorized caller renders the
// verdict that closes a request. Once set it never changes.
type Finalization struct {
	QualityScore uint8
	ReportRef    string
	SubmissionID uint64
}

// Request is a buyer's funded ask for a dataset. Budget is the authoritative
// custody value for the request: it is decremented exactly once, either at
// settlement or at cancellation.
type Request struct {
	ID              uint64
	Buyer           [20]byte
	Budget          *big.Int
	AcceptedFormats FormatSet
	Description     string
	Status          RequestStatus
	Finalization    *Finalization
	CreatedAt       int64
}

// Clone returns a deep copy of the request so callers can safely mutate the
// copy without affecting the stored instance.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Budget != nil {
		clone.Budget = new(big.Int).Set(r.Budget)
	} else {
		clone.Budget = big.NewInt(0)
	}
	if r.Finalization != nil {
		f := *r.Finalization
		clone.Finalization = &f
	}
	return &clone
}

// SanitizeRequest validates a request record loaded from or headed to storage
// and returns a normalized clone with a non-nil budget.
func SanitizeRequest(r *Request) (*Request, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidInput)
	}
	clone := r.Clone()
	if clone.Budget.Sign() < 0 {
		return nil, fmt.Errorf("%w: request %d has negative budget", ErrInvariantViolation, clone.ID)
	}
	if clone.AcceptedFormats.Empty() {
		return nil, fmt.Errorf("%w: request %d accepts no formats", ErrInvalidInput, clone.ID)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: request %d status %d", ErrInvariantViolation, clone.ID, clone.Status)
	}
	if clone.Finalization != nil && clone.Finalization.QualityScore > MaxQualityScore {
		return nil, fmt.Errorf("%w: request %d score %d", ErrInvariantViolation, clone.ID, clone.Finalization.QualityScore)
	}
	return clone, nil
}

// SubmissionStatus tracks a submission through settlement. Paid and Refunded
// are terminal and reachable only via Approved and Rejected respectively.
type SubmissionStatus uint8

const (
	SubmissionPending SubmissionStatus = iota
	SubmissionApproved
	SubmissionRejected
	SubmissionPaid
	SubmissionRefunded
)

// Valid reports whether the status value is within the supported range.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionPending, SubmissionApproved, SubmissionRejected, SubmissionPaid, SubmissionRefunded:
		return true
	default:
		return false
	}
}

func (s SubmissionStatus) String() string {
	switch s {
	case SubmissionPending:
		return "pending"
	case SubmissionApproved:
		return "approved"
	case SubmissionRejected:
		return "rejected"
	case SubmissionPaid:
		return "paid"
	case SubmissionRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether the status admits no further transition.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionPaid || s == SubmissionRefunded
}

// SubmissionMeta carries the seller-supplied description of a dataset. The
// ledger records it verbatim and never inspects the dataset itself; the
// DatasetRef is an opaque off-ledger reference.
type SubmissionMeta struct {
	Format         Format
	FileSize       uint64
	SampleCount    uint64
	FileExtensions []string
	DatasetRef     string
}

// Validate normalizes the metadata and rejects values the ledger cannot
// record meaningfully.
func (m *SubmissionMeta) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil submission metadata", ErrInvalidInput)
	}
	if !m.Format.Valid() {
		return fmt.Errorf("%w: format %d out of range", ErrInvalidInput, uint8(m.Format))
	}
	m.DatasetRef = strings.TrimSpace(m.DatasetRef)
	if m.DatasetRef == "" {
		return fmt.Errorf("%w: dataset reference required", ErrInvalidInput)
	}
	for i, ext := range m.FileExtensions {
		m.FileExtensions[i] = strings.TrimSpace(ext)
	}
	return nil
}

// Submission is a seller's registered claim of having produced a dataset
// against a request. QualityChecked flips exactly once and guards against a
// second finalization.
type Submission struct {
	ID             uint64
	RequestID      uint64
	Seller         [20]byte
	ProducerModel  [20]byte
	Meta           SubmissionMeta
	Status         SubmissionStatus
	QualityChecked bool
	CreatedAt      int64
}

// Clone returns a deep copy of the submission.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Meta.FileExtensions = append([]string(nil), s.Meta.FileExtensions...)
	return &clone
}

// SanitizeSubmission validates a submission record loaded from or headed to
// storage and returns a normalized clone.
func SanitizeSubmission(s *Submission) (*Submission, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil submission", ErrInvalidInput)
	}
	clone := s.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: submission %d status %d", ErrInvariantViolation, clone.ID, clone.Status)
	}
	if clone.Status.Terminal() && !clone.QualityChecked {
		return nil, fmt.Errorf("%w: submission %d terminal without quality check", ErrInvariantViolation, clone.ID)
	}
	if err := clone.Meta.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}

// MaxQualityScore bounds the verdict score supplied at finalization.
const MaxQualityScore = 100
