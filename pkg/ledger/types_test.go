package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestNewAccountNumber(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: "LRN100000", wantVal: "LRN100000"},
		{name: "normalizes case and space", input: "  org000001 ", wantVal: "ORG000001"},
		{name: "empty", input: "   ", wantErr: ErrInvalidAccountNumber},
		{name: "short digits", input: "LRN1234", wantErr: ErrInvalidAccountNumber},
		{name: "digit prefix", input: "123456789", wantErr: ErrInvalidAccountNumber},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewAccountNumber(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestParseAccountTypeRejectsUnknownValues(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"learner", "Instructor", " admin ", "organization"} {
		if _, err := ParseAccountType(raw); err != nil {
			t.Fatalf("expected %q to parse, got %v", raw, err)
		}
	}
	for _, raw := range []string{"", "lms", "superuser"} {
		if _, err := ParseAccountType(raw); !errors.Is(err, ErrInvalidAccountType) {
			t.Fatalf("expected ErrInvalidAccountType for %q, got %v", raw, err)
		}
	}
}

func TestGenerateAccountNumberUsesTypePrefix(t *testing.T) {
	t.Parallel()
	cases := map[AccountType]string{
		AccountTypeLearner:      "LRN",
		AccountTypeInstructor:   "INS",
		AccountTypeAdmin:        "ADM",
		AccountTypeOrganization: "ORG",
	}
	for accountType, prefix := range cases {
		number, err := GenerateAccountNumber(accountType)
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !strings.HasPrefix(number.String(), prefix) || len(number.String()) != 9 {
			t.Fatalf("unexpected number %q for %s", number, accountType)
		}
		if number.String()[3] == '0' {
			t.Fatalf("expected six digits starting at 100000, got %q", number)
		}
	}
}

func TestDefaultOpeningBalance(t *testing.T) {
	t.Parallel()
	if DefaultOpeningBalance(AccountTypeOrganization) != 1000000 {
		t.Fatalf("unexpected organization opening balance")
	}
	if DefaultOpeningBalance(AccountTypeLearner) != 10000 {
		t.Fatalf("unexpected learner opening balance")
	}
	if DefaultOpeningBalance(AccountTypeInstructor) != 0 || DefaultOpeningBalance(AccountTypeAdmin) != 0 {
		t.Fatalf("expected zero opening balance for staff")
	}
}

func TestNewPositiveAmount(t *testing.T) {
	t.Parallel()
	for _, raw := range []int64{0, -5} {
		if _, err := NewPositiveAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	value, err := NewPositiveAmount(2999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value.ToAmount() != 2999 {
		t.Fatalf("expected 2999, got %d", value)
	}
	if _, err := NewAmount(-1); !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestSecretNeverFormatsItsValue(t *testing.T) {
	t.Parallel()
	secret, err := NewSecret("s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret.String() != "[redacted]" || secret.Plaintext() != "s3cret" {
		t.Fatalf("unexpected secret formatting")
	}
	if _, err := NewSecret(strings.Repeat("x", 73)); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	for _, raw := range []string{"not-json", "[1,2]"} {
		if _, err := NewMetadataJSON(raw); !errors.Is(err, ErrInvalidMetadataJSON) {
			t.Fatalf("expected ErrInvalidMetadataJSON for %q, got %v", raw, err)
		}
	}
}

func TestGenerateTransactionIDFormat(t *testing.T) {
	t.Parallel()
	first := GenerateTransactionID()
	second := GenerateTransactionID()
	if first == second {
		t.Fatalf("expected unique transaction ids")
	}
	if !strings.HasPrefix(first.String(), "TXN") || len(first.String()) != 15 {
		t.Fatalf("unexpected transaction id %q", first)
	}
	if strings.ToUpper(first.String()) != first.String() {
		t.Fatalf("expected upper-case transaction id, got %q", first)
	}
}

func TestNewTransferIntentValidationOrder(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   TransferInput
		wantErr error
	}{
		{name: "bad from", input: TransferInput{From: "x", To: "ORG000001", Amount: 1, Secret: "s"}, wantErr: ErrInvalidAccountNumber},
		{name: "self", input: TransferInput{From: "LRN100000", To: "lrn100000", Amount: 0, Secret: ""}, wantErr: ErrSelfTransfer},
		{name: "zero amount", input: TransferInput{From: "LRN100000", To: "ORG000001", Amount: 0, Secret: "s"}, wantErr: ErrInvalidAmount},
		{name: "missing secret", input: TransferInput{From: "LRN100000", To: "ORG000001", Amount: 5, Secret: " "}, wantErr: ErrInvalidSecret},
		{name: "bad metadata", input: TransferInput{From: "LRN100000", To: "ORG000001", Amount: 5, Secret: "s", MetadataJSON: "nope"}, wantErr: ErrInvalidMetadataJSON},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewTransferIntent(tc.input); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewTransferIntentDefaults(t *testing.T) {
	t.Parallel()
	intent, err := NewTransferIntent(TransferInput{From: "LRN100000", To: "ORG000001", Amount: 5, Secret: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Description.String() != "Transfer" {
		t.Fatalf("expected default description, got %q", intent.Description)
	}
	if !intent.IdempotencyKey.IsZero() {
		t.Fatalf("expected no idempotency key")
	}
}

func TestNewRegistrationDefaultsOpeningBalance(t *testing.T) {
	t.Parallel()
	registration, err := NewRegistration("ORG000001", "LMS Platform", "organization", nil, "s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registration.InitialBalance != 1000000 {
		t.Fatalf("expected organization default, got %d", registration.InitialBalance)
	}
	negative := int64(-1)
	if _, err := NewRegistration("LRN100000", "Learner", "learner", &negative, "s3cret"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative balance, got %v", err)
	}
	if _, err := NewRegistration("LRN100000", "Learner", "lms", nil, "s3cret"); !errors.Is(err, ErrInvalidAccountType) {
		t.Fatalf("expected ErrInvalidAccountType, got %v", err)
	}
}
