package disputes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReasonCode(t *testing.T) {
	rc, err := ValidateReasonCode("harvest_failed")
	require.NoError(t, err)
	assert.Equal(t, "seller", rc.RaisedBy)
	assert.Equal(t, ResolutionRefundBuyer, rc.SuggestedOutcome)

	_, err = ValidateReasonCode("")
	assert.Error(t, err)
	_, err = ValidateReasonCode("4853")
	assert.Error(t, err)
}

func TestGetReasonCodesByCategory(t *testing.T) {
	codes := GetReasonCodesByCategory("quality")
	require.Len(t, codes, 2)
	assert.Equal(t, "quality_issue", codes[0].Code)
	assert.Equal(t, "wrong_item", codes[1].Code)
}

func TestMaskPII(t *testing.T) {
	masked := MaskPII(map[string]any{
		"email":            "lan.nguyen@example.vn",
		"phone":            "0912-345-678",
		"delivery_address": "12 Le Loi, District 1, Ho Chi Minh City",
		"bank_account":     "0071000123456",
		"buyer_name":       "Nguyen Thi Lan",
		"lot":              "A-17",
	})

	assert.Equal(t, "l***@example.vn", masked["email"])
	assert.Equal(t, "***-***-5678", masked["phone"])
	assert.Equal(t, "***, Ho Chi Minh City", masked["delivery_address"])
	assert.Equal(t, "****3456", masked["bank_account"])
	assert.Equal(t, "Nguyen *** L.", masked["buyer_name"])
	assert.Equal(t, "A-17", masked["lot"])
	assert.Nil(t, MaskPII(nil))
}
