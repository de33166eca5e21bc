package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     PeriodKey
		wantErr bool
	}{
		{"valid", PeriodKey{ABN: "12345678901", TaxType: TaxTypePAYGW, PeriodID: "2025-Q1"}, false},
		{"short abn", PeriodKey{ABN: "123", TaxType: TaxTypePAYGW, PeriodID: "2025-Q1"}, true},
		{"bad tax type", PeriodKey{ABN: "12345678901", TaxType: "VAT", PeriodID: "2025-Q1"}, true},
		{"missing period", PeriodKey{ABN: "12345678901", TaxType: TaxTypeGST, PeriodID: " "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPeriodKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseTaxType(t *testing.T) {
	tt, err := ParseTaxType(" gst ")
	require.NoError(t, err)
	assert.Equal(t, TaxTypeGST, tt)
}

func TestPeriodKey_String(t *testing.T) {
	k := PeriodKey{ABN: "12345678901", TaxType: TaxTypeGST, PeriodID: "2025-09"}
	assert.Equal(t, "12345678901/GST/2025-09", k.String())
}
