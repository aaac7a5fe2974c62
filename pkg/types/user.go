package types

// Source identifies the billing lane a request arrived through.
type Source string

const (
	// SourceRapidAPI marks requests billed upstream by the RapidAPI
	// marketplace. The cost guard never touches balances for this lane and
	// background features (graph extraction, consolidation) are forbidden.
	SourceRapidAPI Source = "RAPIDAPI"

	// SourceDirect marks requests billed against the tenant's own balance.
	SourceDirect Source = "DIRECT"
)

// Tier is the subscription tier of a tenant. The tier decides how far below
// zero a balance may go before access is denied.
type Tier string

const (
	TierFree  Tier = "FREE"
	TierHobby Tier = "HOBBY"
	TierPro   Tier = "PRO"
)

// UserContext carries the resolved identity and billing attributes of a
// request. It is supplied per call by the routing layer and never persisted
// by the core.
type UserContext struct {
	UserID  string `json:"user_id"`
	Source  Source `json:"source"`
	Tier    Tier   `json:"tier"`
	Balance int64  `json:"balance"` // Snapshot in minor currency units; authoritative value lives in the balance store
}

// IsDirect reports whether the request is on the DIRECT billing lane.
func (u UserContext) IsDirect() bool {
	return u.Source == SourceDirect
}
