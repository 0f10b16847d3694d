// Package rowsource adapts spreadsheet exports to resolver rows and writes
// resolved rows back out. Empty cells become absent (nil) fields.
package rowsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/model"
)

// Format is an input file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// Detect picks the format from the file extension.
func Detect(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("rowsource: unsupported input %q (want .jsonl, .ndjson or .xlsx)", filepath.Base(path))
	}
}

// ReadFile reads every row of path.
func ReadFile(ctx context.Context, path string) ([]model.Row, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatXLSX:
		return ReadXLSX(ctx, path, XLSXOptions{})
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "rowsource: open input")
		}
		defer f.Close() //nolint:errcheck
		return ReadJSONL(ctx, f)
	}
}

// Canonical column names.
const (
	ColPlanCode      = "plan_code"
	ColAccountNumber = "account_number"
	ColCustomerName  = "customer_name"
	ColAccountName   = "account_name"
	ColPlanType      = "plan_type"
	ColCompanyID     = "company_id"
)

// headerAliases maps cleaned header text to canonical column names.
var headerAliases = map[string]string{
	"plan_code":      ColPlanCode,
	"plan":           ColPlanCode,
	"计划代码":           ColPlanCode,
	"account_number": ColAccountNumber,
	"account_no":     ColAccountNumber,
	"年金账户号":          ColAccountNumber,
	"customer_name":  ColCustomerName,
	"customer":       ColCustomerName,
	"客户名称":           ColCustomerName,
	"account_name":   ColAccountName,
	"年金账户名":          ColAccountName,
	"plan_type":      ColPlanType,
	"计划类型":           ColPlanType,
	"company_id":     ColCompanyID,
	"公司代码":           ColCompanyID,
}

// CanonicalHeader maps a header cell to its canonical column, ignoring
// case, surrounding space and the choice of space, hyphen or underscore.
func CanonicalHeader(h string) (string, bool) {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	col, ok := headerAliases[h]
	return col, ok
}

// setField assigns a cell to the canonical column of row. Empty cells stay
// nil.
func setField(row *model.Row, col, value string) {
	if value == "" {
		return
	}
	v := value
	switch col {
	case ColPlanCode:
		row.PlanCode = &v
	case ColAccountNumber:
		row.AccountNumber = &v
	case ColCustomerName:
		row.CustomerName = &v
	case ColAccountName:
		row.AccountName = &v
	case ColPlanType:
		row.PlanType = &v
	case ColCompanyID:
		row.CompanyID = &v
	}
}

// emptyToNil clears fields holding "".
func emptyToNil(row *model.Row) {
	for _, f := range []**string{
		&row.PlanCode, &row.AccountNumber, &row.CustomerName, &row.AccountName, &row.PlanType, &row.CompanyID,
	} {
		if *f != nil && **f == "" {
			*f = nil
		}
	}
}
