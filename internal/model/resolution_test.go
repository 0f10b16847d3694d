package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier Tier
		want string
	}{
		{TierStatic, "static_override"},
		{TierMappingStore, "mapping_store"},
		{TierExistingColumn, "existing_column"},
		{TierExternal, "external_lookup"},
		{TierPlaceholder, "placeholder"},
		{TierNone, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.tier.String())
		})
	}
}

func TestRowRawKey(t *testing.T) {
	t.Parallel()

	row := Row{PlanCode: Str("P1"), AccountNumber: Str(""), CustomerName: Str("Acme")}

	v, ok := row.RawKey(KeyPlanCode)
	assert.True(t, ok)
	assert.Equal(t, "P1", v)

	v, ok = row.RawKey(KeyHardcode)
	assert.True(t, ok)
	assert.Equal(t, "P1", v)

	_, ok = row.RawKey(KeyAccountNumber)
	assert.False(t, ok, "empty string is absent")

	_, ok = row.RawKey(KeyAccountName)
	assert.False(t, ok)
}

func TestResolutionRecord_LookupKey(t *testing.T) {
	t.Parallel()

	rec := &ResolutionRecord{
		Row:            Row{CustomerName: Str("  ABC Corp (dissolved) "), AccountName: Str(" raw ")},
		NormalizedName: "ABC Corp",
	}

	v, ok := rec.LookupKey(KeyCustomerName)
	assert.True(t, ok)
	assert.Equal(t, "ABC Corp", v)

	v, ok = rec.LookupKey(KeyAccountName)
	assert.True(t, ok)
	assert.Equal(t, " raw ", v, "raw classes are byte-identical")
}

func TestResolutionRecord_AssignAndJSON(t *testing.T) {
	t.Parallel()

	rec := &ResolutionRecord{}
	assert.False(t, rec.Resolved())
	rec.Attempt(TierStatic, KeyPlanCode, OutcomeMiss, "")
	rec.Assign(TierMappingStore, KeyAccountNumber, "C9", 0.9)

	assert.True(t, rec.Resolved())
	assert.Equal(t, TierMappingStore, rec.Tier)
	require.Len(t, rec.Path, 2)
	assert.Equal(t, OutcomeHit, rec.Path[1].Outcome)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tier":"mapping_store"`)
	assert.Contains(t, string(b), `"resolution_path"`)
}

func TestBacklogStatus_Active(t *testing.T) {
	t.Parallel()

	assert.True(t, BacklogPending.Active())
	assert.True(t, BacklogProcessing.Active())
	assert.False(t, BacklogDone.Active())
	assert.False(t, BacklogFailed.Active())
}
