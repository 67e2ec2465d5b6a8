package payload

import (
	"strings"
	"testing"

	"github.com/heysalad/cash/internal/model"
)

func TestValidateAcceptsWellFormedPayloads(t *testing.T) {
	cases := []struct {
		commandType model.CommandType
		data        string
	}{
		{model.CommandDisplayQR, `{"data":"0xABC","label":"$5"}`},
		{model.CommandDisplayQR, `{"data":"ethereum:0x1234@8453"}`},
		{model.CommandShowMessage, `{"text":"Welcome","duration_ms":3000}`},
		{model.CommandDisplayPayment, `{"payment_id":"PAY_1","address":"0xabc","amount":"5.00","currency":"USDC"}`},
		{model.CommandReturnIdle, `{}`},
		{model.CommandReturnIdle, ``},
	}
	for _, tc := range cases {
		if err := Validate(tc.commandType, []byte(tc.data)); err != nil {
			t.Fatalf("expected %s payload %q to validate: %v", tc.commandType, tc.data, err)
		}
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		commandType model.CommandType
		data        string
	}{
		{model.CommandDisplayQR, `{}`},
		{model.CommandDisplayQR, `{"label":"$5"}`},
		{model.CommandDisplayQR, `{"data":""}`},
		{model.CommandShowMessage, `{}`},
		{model.CommandDisplayPayment, `{"payment_id":"PAY_1"}`},
		{model.CommandReturnIdle, `{"unexpected":true}`},
	}
	for _, tc := range cases {
		if err := Validate(tc.commandType, []byte(tc.data)); err == nil {
			t.Fatalf("expected %s payload %q to be rejected", tc.commandType, tc.data)
		}
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	err := Validate(model.CommandType("reboot"), []byte(`{}`))
	if err == nil {
		t.Fatalf("expected unknown command type to be rejected")
	}
	if !strings.Contains(err.Error(), "unknown command type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKnownTypesIsStable(t *testing.T) {
	first := KnownTypes()
	second := KnownTypes()
	if len(first) != 4 {
		t.Fatalf("expected 4 known types, got %v", first)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected stable ordering, got %v vs %v", first, second)
		}
	}
	if !Known(model.CommandDisplayQR) || Known(model.CommandType("reboot")) {
		t.Fatalf("known lookup mismatch")
	}
}
