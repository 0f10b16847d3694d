package rowsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/model"
)

const maxLineBytes = 4 << 20

// ReadJSONL decodes one row object per line. Blank lines are skipped.
func ReadJSONL(ctx context.Context, r io.Reader) ([]model.Row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var rows []model.Row
	line := 0
	for sc.Scan() {
		line++
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "jsonl: context cancelled")
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var row model.Row
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, eris.Wrapf(err, "jsonl: decode line %d", line)
		}
		emptyToNil(&row)
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "jsonl: read")
	}
	return rows, nil
}

// OutputRow is a resolved row as handed to the warehouse loader.
type OutputRow struct {
	PlanCode       *string             `json:"plan_code"`
	AccountNumber  *string             `json:"account_number"`
	CustomerName   *string             `json:"customer_name"`
	AccountName    *string             `json:"account_name"`
	PlanType       *string             `json:"plan_type"`
	CompanyID      string              `json:"company_id"`
	Confidence     float64             `json:"confidence"`
	Tier           model.Tier          `json:"tier"`
	IsPlaceholder  bool                `json:"is_placeholder"`
	ResolutionPath []model.TierAttempt `json:"resolution_path"`
}

// NewOutputRow flattens a resolution record.
func NewOutputRow(rec *model.ResolutionRecord) OutputRow {
	return OutputRow{
		PlanCode:       rec.Row.PlanCode,
		AccountNumber:  rec.Row.AccountNumber,
		CustomerName:   rec.Row.CustomerName,
		AccountName:    rec.Row.AccountName,
		PlanType:       rec.Row.PlanType,
		CompanyID:      rec.CompanyID,
		Confidence:     rec.Confidence,
		Tier:           rec.Tier,
		IsPlaceholder:  rec.IsPlaceholder,
		ResolutionPath: rec.Path,
	}
}

// WriteJSONL writes one OutputRow per line.
func WriteJSONL(w io.Writer, recs []*model.ResolutionRecord) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, rec := range recs {
		if err := enc.Encode(NewOutputRow(rec)); err != nil {
			return eris.Wrapf(err, "jsonl: encode row %d", i)
		}
	}
	return eris.Wrap(bw.Flush(), "jsonl: flush")
}
