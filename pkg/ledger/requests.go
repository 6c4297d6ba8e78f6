package ledger

// Registration is a validated request to open an account.
type Registration struct {
	Number         AccountNumber
	Holder         AccountHolder
	Type           AccountType
	InitialBalance Amount
	Secret         Secret
}

// NewRegistration validates raw registration fields. A nil initialBalance
// takes the default opening balance for the account type.
func NewRegistration(number string, holder string, accountType string, initialBalance *int64, secret string) (Registration, error) {
	accountNumber, err := NewAccountNumber(number)
	if err != nil {
		return Registration{}, err
	}
	accountHolder, err := NewAccountHolder(holder)
	if err != nil {
		return Registration{}, err
	}
	parsedType, err := ParseAccountType(accountType)
	if err != nil {
		return Registration{}, err
	}
	balance := DefaultOpeningBalance(parsedType)
	if initialBalance != nil {
		balance, err = NewAmount(*initialBalance)
		if err != nil {
			return Registration{}, err
		}
	}
	parsedSecret, err := NewSecret(secret)
	if err != nil {
		return Registration{}, err
	}
	return Registration{
		Number:         accountNumber,
		Holder:         accountHolder,
		Type:           parsedType,
		InitialBalance: balance,
		Secret:         parsedSecret,
	}, nil
}

// TransferInput carries unvalidated transfer fields from a transport.
type TransferInput struct {
	From           string
	To             string
	Amount         int64
	Secret         string
	Description    string
	MetadataJSON   string
	IdempotencyKey string
}

// TransferIntent is a validated transfer request.
type TransferIntent struct {
	From           AccountNumber
	To             AccountNumber
	Amount         PositiveAmount
	Secret         Secret
	Description    Description
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
}

// NewTransferIntent validates a transfer request in the order callers expect
// errors: parties, self transfer, amount, secret, then the optional fields.
func NewTransferIntent(input TransferInput) (TransferIntent, error) {
	from, err := NewAccountNumber(input.From)
	if err != nil {
		return TransferIntent{}, err
	}
	to, err := NewAccountNumber(input.To)
	if err != nil {
		return TransferIntent{}, err
	}
	if from == to {
		return TransferIntent{}, ErrSelfTransfer
	}
	amount, err := NewPositiveAmount(input.Amount)
	if err != nil {
		return TransferIntent{}, err
	}
	secret, err := NewSecret(input.Secret)
	if err != nil {
		return TransferIntent{}, err
	}
	description, err := NewDescription(input.Description)
	if err != nil {
		return TransferIntent{}, err
	}
	metadata, err := NewMetadataJSON(input.MetadataJSON)
	if err != nil {
		return TransferIntent{}, err
	}
	var key IdempotencyKey
	if input.IdempotencyKey != "" {
		key, err = NewIdempotencyKey(input.IdempotencyKey)
		if err != nil {
			return TransferIntent{}, err
		}
	}
	return TransferIntent{
		From:           from,
		To:             to,
		Amount:         amount,
		Secret:         secret,
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: key,
	}, nil
}
