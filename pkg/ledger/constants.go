package ledger

const (
	operationRegister   = "register"
	operationBalance    = "balance"
	operationVerify     = "verify"
	operationTransfer   = "transfer"
	operationHistory    = "history"
	operationDeactivate = "deactivate"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorSubjectTransfer  = "transfer"
	errorSubjectEntry     = "entry"
	errorCodeHash         = "hash"
	errorCodeCommit       = "commit"
	errorCodeLookup       = "lookup"
	errorCodeList         = "list"
	errorCodeRetries      = "retries_exhausted"

	// DefaultHistoryLimit applies when a caller does not bound history.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 200

	defaultMaxTransferAttempts = 5
	defaultDescription         = "Transfer"
	defaultMetadataJSON        = "{}"

	transactionIDPrefix    = "TXN"
	transactionIDHexLength = 12

	maxAccountHolderLength  = 200
	maxDescriptionLength    = 500
	maxIdempotencyKeyLength = 128
	maxSecretBytes          = 72

	organizationOpeningBalance int64 = 1_000_000
	learnerOpeningBalance      int64 = 10_000
)
