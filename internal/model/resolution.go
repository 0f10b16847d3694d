package model

// Tier identifies a step of the resolution cascade.
type Tier int

const (
	TierNone           Tier = 0
	TierStatic         Tier = 1
	TierMappingStore   Tier = 2
	TierExistingColumn Tier = 3
	TierExternal       Tier = 4
	TierPlaceholder    Tier = 5
)

func (t Tier) String() string {
	switch t {
	case TierStatic:
		return "static_override"
	case TierMappingStore:
		return "mapping_store"
	case TierExistingColumn:
		return "existing_column"
	case TierExternal:
		return "external_lookup"
	case TierPlaceholder:
		return "placeholder"
	default:
		return "none"
	}
}

// MarshalText renders the tier name in JSON output.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Outcome is the result of one tier attempt for one row.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// TierAttempt is one entry of a row's resolution path.
type TierAttempt struct {
	Tier     Tier     `json:"tier"`
	KeyClass KeyClass `json:"key_class,omitempty"`
	Outcome  Outcome  `json:"outcome"`
	Reason   string   `json:"reason,omitempty"`
}

// ResolutionRecord carries one row through the cascade.
type ResolutionRecord struct {
	Row            Row           `json:"row"`
	NormalizedName string        `json:"normalized_name,omitempty"`
	CompanyID      string        `json:"company_id"`
	Confidence     float64       `json:"confidence"`
	Tier           Tier          `json:"tier"`
	MatchedClass   KeyClass      `json:"matched_class,omitempty"`
	IsPlaceholder  bool          `json:"is_placeholder"`
	Path           []TierAttempt `json:"resolution_path"`
}

// Resolved reports whether a tier has assigned an id.
func (r *ResolutionRecord) Resolved() bool {
	return r.CompanyID != ""
}

// Attempt appends a path entry.
func (r *ResolutionRecord) Attempt(t Tier, kc KeyClass, o Outcome, reason string) {
	r.Path = append(r.Path, TierAttempt{Tier: t, KeyClass: kc, Outcome: o, Reason: reason})
}

// Assign records a hit.
func (r *ResolutionRecord) Assign(t Tier, kc KeyClass, companyID string, confidence float64) {
	r.CompanyID = companyID
	r.Confidence = confidence
	r.Tier = t
	r.MatchedClass = kc
	r.Attempt(t, kc, OutcomeHit, "")
}

// LookupKey returns the key used for class kc: the normalized name for
// customer names, the byte-identical raw value for every other class.
func (r *ResolutionRecord) LookupKey(kc KeyClass) (string, bool) {
	if kc.Normalized() {
		return r.NormalizedName, r.NormalizedName != ""
	}
	return r.Row.RawKey(kc)
}
