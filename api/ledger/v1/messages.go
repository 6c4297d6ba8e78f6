package ledgerv1

// RegisterRequest opens an account. A nil InitialBalance selects the default for the type.
type RegisterRequest struct {
	AccountNumber  string `json:"accountNumber"`
	AccountHolder  string `json:"accountHolder"`
	AccountType    string `json:"accountType"`
	InitialBalance *int64 `json:"initialBalance,omitempty"`
	Secret         string `json:"secret"`
}

func (request *RegisterRequest) GetAccountNumber() string {
	if request == nil {
		return ""
	}
	return request.AccountNumber
}

func (request *RegisterRequest) GetAccountHolder() string {
	if request == nil {
		return ""
	}
	return request.AccountHolder
}

func (request *RegisterRequest) GetAccountType() string {
	if request == nil {
		return ""
	}
	return request.AccountType
}

func (request *RegisterRequest) GetInitialBalance() *int64 {
	if request == nil {
		return nil
	}
	return request.InitialBalance
}

func (request *RegisterRequest) GetSecret() string {
	if request == nil {
		return ""
	}
	return request.Secret
}

// Account is the public view of an account. Secrets never cross the wire.
type Account struct {
	AccountNumber string `json:"accountNumber"`
	AccountHolder string `json:"accountHolder"`
	AccountType   string `json:"accountType"`
	Balance       int64  `json:"balance"`
	IsActive      bool   `json:"isActive"`
	CreatedAt     string `json:"createdAt"`
}

func (account *Account) GetAccountNumber() string {
	if account == nil {
		return ""
	}
	return account.AccountNumber
}

func (account *Account) GetBalance() int64 {
	if account == nil {
		return 0
	}
	return account.Balance
}

type RegisterResponse struct {
	Account *Account `json:"account"`
}

func (response *RegisterResponse) GetAccount() *Account {
	if response == nil {
		return nil
	}
	return response.Account
}

type GetBalanceRequest struct {
	AccountNumber string `json:"accountNumber"`
}

func (request *GetBalanceRequest) GetAccountNumber() string {
	if request == nil {
		return ""
	}
	return request.AccountNumber
}

type GetBalanceResponse struct {
	AccountNumber string `json:"accountNumber"`
	AccountHolder string `json:"accountHolder"`
	Balance       int64  `json:"balance"`
}

func (response *GetBalanceResponse) GetBalance() int64 {
	if response == nil {
		return 0
	}
	return response.Balance
}

type VerifyRequest struct {
	AccountNumber string `json:"accountNumber"`
	Secret        string `json:"secret"`
}

func (request *VerifyRequest) GetAccountNumber() string {
	if request == nil {
		return ""
	}
	return request.AccountNumber
}

func (request *VerifyRequest) GetSecret() string {
	if request == nil {
		return ""
	}
	return request.Secret
}

type VerifyResponse struct {
	AccountNumber string `json:"accountNumber"`
	Balance       int64  `json:"balance"`
}

func (response *VerifyResponse) GetAccountNumber() string {
	if response == nil {
		return ""
	}
	return response.AccountNumber
}

func (response *VerifyResponse) GetBalance() int64 {
	if response == nil {
		return 0
	}
	return response.Balance
}

// TransferRequest moves Amount from From to To. IdempotencyKey is optional.
type TransferRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Secret         string `json:"secret"`
	Description    string `json:"description,omitempty"`
	MetadataJson   string `json:"metadataJson,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (request *TransferRequest) GetFrom() string {
	if request == nil {
		return ""
	}
	return request.From
}

func (request *TransferRequest) GetTo() string {
	if request == nil {
		return ""
	}
	return request.To
}

func (request *TransferRequest) GetAmount() int64 {
	if request == nil {
		return 0
	}
	return request.Amount
}

func (request *TransferRequest) GetSecret() string {
	if request == nil {
		return ""
	}
	return request.Secret
}

func (request *TransferRequest) GetDescription() string {
	if request == nil {
		return ""
	}
	return request.Description
}

func (request *TransferRequest) GetMetadataJson() string {
	if request == nil {
		return ""
	}
	return request.MetadataJson
}

func (request *TransferRequest) GetIdempotencyKey() string {
	if request == nil {
		return ""
	}
	return request.IdempotencyKey
}

type PartyBalance struct {
	AccountNumber string `json:"accountNumber"`
	NewBalance    int64  `json:"newBalance"`
}

func (party *PartyBalance) GetAccountNumber() string {
	if party == nil {
		return ""
	}
	return party.AccountNumber
}

func (party *PartyBalance) GetNewBalance() int64 {
	if party == nil {
		return 0
	}
	return party.NewBalance
}

type TransferResponse struct {
	TransactionId string        `json:"transactionId"`
	From          *PartyBalance `json:"from"`
	To            *PartyBalance `json:"to"`
	Amount        int64         `json:"amount"`
	Description   string        `json:"description"`
	MetadataJson  string        `json:"metadataJson"`
	Timestamp     string        `json:"timestamp"`
	Replayed      bool          `json:"replayed"`
}

func (response *TransferResponse) GetTransactionId() string {
	if response == nil {
		return ""
	}
	return response.TransactionId
}

func (response *TransferResponse) GetFrom() *PartyBalance {
	if response == nil {
		return nil
	}
	return response.From
}

func (response *TransferResponse) GetTo() *PartyBalance {
	if response == nil {
		return nil
	}
	return response.To
}

type HistoryRequest struct {
	AccountNumber string `json:"accountNumber"`
	Limit         int32  `json:"limit,omitempty"`
}

func (request *HistoryRequest) GetAccountNumber() string {
	if request == nil {
		return ""
	}
	return request.AccountNumber
}

func (request *HistoryRequest) GetLimit() int32 {
	if request == nil {
		return 0
	}
	return request.Limit
}

type Entry struct {
	EntryId       string `json:"entryId"`
	TransactionId string `json:"transactionId"`
	Sequence      int64  `json:"sequence"`
	Direction     string `json:"direction"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balanceAfter"`
	From          string `json:"from"`
	To            string `json:"to"`
	Description   string `json:"description"`
	MetadataJson  string `json:"metadataJson"`
	CreatedAt     string `json:"createdAt"`
}

type HistoryResponse struct {
	AccountNumber  string   `json:"accountNumber"`
	AccountHolder  string   `json:"accountHolder"`
	CurrentBalance int64    `json:"currentBalance"`
	Entries        []*Entry `json:"entries"`
}

func (response *HistoryResponse) GetEntries() []*Entry {
	if response == nil {
		return nil
	}
	return response.Entries
}

type HealthRequest struct{}

type HealthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (response *HealthResponse) GetStatus() string {
	if response == nil {
		return ""
	}
	return response.Status
}
