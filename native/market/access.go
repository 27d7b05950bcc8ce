package market

// AccessControl is the administrative state consulted by every gated ledger
// operation: who owns the marketplace, who may render verdicts, and which
// sellers and models are admitted when enforcement is switched on. It is a
// pure state holder; funds never flow through it.
type AccessControl struct {
	Owner                [20]byte
	PendingOwner         [20]byte
	Verifier             [20]byte
	WhitelistEnabled     bool
	SellerWhitelist      map[[20]byte]bool
	ModelRegistryEnabled bool
	ModelRegistry        map[[20]byte]bool
	AllowModelSelfVerify bool
}

// NewAccessControl returns the default configuration for a freshly
// bootstrapped ledger: enforcement toggles off, no verifier configured.
func NewAccessControl(owner [20]byte) *AccessControl {
	return &AccessControl{
		Owner:           owner,
		SellerWhitelist: make(map[[20]byte]bool),
		ModelRegistry:   make(map[[20]byte]bool),
	}
}

// Clone returns a deep copy so callers can stage changes without mutating the
// stored record.
func (a *AccessControl) Clone() *AccessControl {
	if a == nil {
		return nil
	}
	clone := *a
	clone.SellerWhitelist = make(map[[20]byte]bool, len(a.SellerWhitelist))
	for addr, ok := range a.SellerWhitelist {
		if ok {
			clone.SellerWhitelist[addr] = true
		}
	}
	clone.ModelRegistry = make(map[[20]byte]bool, len(a.ModelRegistry))
	for addr, ok := range a.ModelRegistry {
		if ok {
			clone.ModelRegistry[addr] = true
		}
	}
	return &clone
}

// IsOwner reports whether the caller holds the administrative role.
func (a *AccessControl) IsOwner(caller [20]byte) bool {
	return a != nil && a.Owner != ([20]byte{}) && a.Owner == caller
}

// SellerAllowed reports whether a seller may register submissions. With the
// whitelist toggle off every seller is admitted.
func (a *AccessControl) SellerAllowed(seller [20]byte) bool {
	if a == nil || !a.WhitelistEnabled {
		return true
	}
	return a.SellerWhitelist[seller]
}

// ModelRegistered reports whether a producing model is present in the
// registry. Enforcement of the registry is a separate toggle.
func (a *AccessControl) ModelRegistered(model [20]byte) bool {
	return a != nil && a.ModelRegistry[model]
}

// CanFinalize decides whether a caller may render the verdict on a submission
// produced by the given model: the configured verifier always may; the
// producing model itself may only under the explicit self-verify opt-in, and
// only when registry enforcement is off or the model is registered.
func (a *AccessControl) CanFinalize(caller, producerModel [20]byte) bool {
	if a == nil {
		return false
	}
	if a.Verifier != ([20]byte{}) && caller == a.Verifier {
		return true
	}
	if caller != producerModel {
		return false
	}
	if !a.AllowModelSelfVerify {
		return false
	}
	if a.ModelRegistryEnabled && !a.ModelRegistry[caller] {
		return false
	}
	return true
}
