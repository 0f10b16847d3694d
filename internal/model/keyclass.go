// Package model holds the shared types of the company identity resolution
// engine: key classes, mapping entries, input rows, resolution records and
// backlog entries.
package model

import "github.com/rotisserie/eris"

// KeyClass is a category of identifying field a source row may carry.
type KeyClass string

const (
	KeyPlanCode      KeyClass = "plan_code"
	KeyAccountNumber KeyClass = "account_number"
	KeyHardcode      KeyClass = "hardcode"
	KeyCustomerName  KeyClass = "customer_name"
	KeyAccountName   KeyClass = "account_name"
)

// KeyClasses lists every key class in cascade priority order. Tiers 1 and 2
// iterate this array; its length is fixed so adding a class is a compile-time
// change everywhere the order matters.
var KeyClasses = [5]KeyClass{
	KeyPlanCode,
	KeyAccountNumber,
	KeyHardcode,
	KeyCustomerName,
	KeyAccountName,
}

// BackflowClasses are the key classes that learn from resolved rows.
// Hardcode is a static-only table.
var BackflowClasses = [4]KeyClass{
	KeyPlanCode,
	KeyAccountNumber,
	KeyCustomerName,
	KeyAccountName,
}

// ParseKeyClass validates a key class name.
func ParseKeyClass(s string) (KeyClass, error) {
	kc := KeyClass(s)
	if !kc.Valid() {
		return "", eris.Errorf("model: unknown key class %q", s)
	}
	return kc, nil
}

// Valid reports whether k is one of the five known key classes.
func (k KeyClass) Valid() bool {
	return k.Priority() >= 0
}

// Priority returns the cascade position of k (0 = highest) or -1.
func (k KeyClass) Priority() int {
	for i, kc := range KeyClasses {
		if kc == k {
			return i
		}
	}
	return -1
}

// Normalized reports whether lookups for k use the normalized name rather
// than the raw source value. Only customer names are free text.
func (k KeyClass) Normalized() bool {
	return k == KeyCustomerName
}

// Source records where a mapping entry came from.
type Source string

const (
	SourceStatic         Source = "static"
	SourceExternalAPI    Source = "external_api"
	SourceBackflow       Source = "backflow"
	SourceDomainLearning Source = "domain_learning"
	SourceMigration      Source = "migration"
)

// Valid reports whether s is a known mapping source.
func (s Source) Valid() bool {
	switch s {
	case SourceStatic, SourceExternalAPI, SourceBackflow, SourceDomainLearning, SourceMigration:
		return true
	default:
		return false
	}
}
