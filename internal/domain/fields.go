package domain

// CanonicalField is one of the normalized attribute names a bordereaux row
// carries. Template mappings draw their values from this closed set.
type CanonicalField string

const (
	FieldPolicyNumber     CanonicalField = "policy_number"
	FieldInsuredName      CanonicalField = "insured_name"
	FieldInceptionDate    CanonicalField = "inception_date"
	FieldExpiryDate       CanonicalField = "expiry_date"
	FieldPremiumAmount    CanonicalField = "premium_amount"
	FieldCurrency         CanonicalField = "currency"
	FieldClaimAmount      CanonicalField = "claim_amount"
	FieldCommissionAmount CanonicalField = "commission_amount"
	FieldNetPremium       CanonicalField = "net_premium"
	FieldBrokerName       CanonicalField = "broker_name"
	FieldProductType      CanonicalField = "product_type"
	FieldCoverageType     CanonicalField = "coverage_type"
	FieldRiskLocation     CanonicalField = "risk_location"
)

// CanonicalFields lists every canonical field in declaration order. Proposal
// generation and mapping iterate this slice so output is deterministic.
var CanonicalFields = []CanonicalField{
	FieldPolicyNumber,
	FieldInsuredName,
	FieldInceptionDate,
	FieldExpiryDate,
	FieldPremiumAmount,
	FieldCurrency,
	FieldClaimAmount,
	FieldCommissionAmount,
	FieldNetPremium,
	FieldBrokerName,
	FieldProductType,
	FieldCoverageType,
	FieldRiskLocation,
}

// FieldKind tells the mapper which normalization a canonical field needs.
type FieldKind int

const (
	KindString FieldKind = iota
	KindDate
	KindDecimal
	KindCurrency
)

var fieldKinds = map[CanonicalField]FieldKind{
	FieldPolicyNumber:     KindString,
	FieldInsuredName:      KindString,
	FieldInceptionDate:    KindDate,
	FieldExpiryDate:       KindDate,
	FieldPremiumAmount:    KindDecimal,
	FieldCurrency:         KindCurrency,
	FieldClaimAmount:      KindDecimal,
	FieldCommissionAmount: KindDecimal,
	FieldNetPremium:       KindDecimal,
	FieldBrokerName:       KindString,
	FieldProductType:      KindString,
	FieldCoverageType:     KindString,
	FieldRiskLocation:     KindString,
}

// KindOf returns the normalization kind for field. Unknown fields are strings.
func KindOf(field CanonicalField) FieldKind {
	if k, ok := fieldKinds[field]; ok {
		return k
	}
	return KindString
}

// IsCanonicalField reports whether name is a member of the canonical set.
func IsCanonicalField(name string) bool {
	_, ok := fieldKinds[CanonicalField(name)]
	return ok
}
