package model

// Row is one source record as handed over by the spreadsheet layer. Absent
// fields are nil, never "".
type Row struct {
	PlanCode      *string `json:"plan_code"`
	AccountNumber *string `json:"account_number"`
	CustomerName  *string `json:"customer_name"`
	AccountName   *string `json:"account_name"`
	PlanType      *string `json:"plan_type"`
	CompanyID     *string `json:"company_id"`
}

// RawKey returns the raw source value used for key class kc. Hardcode entries
// are keyed by plan code. The customer name is returned raw; callers
// normalize it.
func (r Row) RawKey(kc KeyClass) (string, bool) {
	var v *string
	switch kc {
	case KeyPlanCode, KeyHardcode:
		v = r.PlanCode
	case KeyAccountNumber:
		v = r.AccountNumber
	case KeyCustomerName:
		v = r.CustomerName
	case KeyAccountName:
		v = r.AccountName
	}
	if v == nil || *v == "" {
		return "", false
	}
	return *v, true
}

// Str is a convenience constructor for optional row fields.
func Str(s string) *string {
	return &s
}

// Deref returns *s or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
