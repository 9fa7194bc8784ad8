package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidOrder         ErrorCode = 102
	ErrCodeInvalidQuantity      ErrorCode = 103
	ErrCodeInvalidPrice         ErrorCode = 104
	ErrCodeInvalidPhasePlan     ErrorCode = 105
	ErrCodeMissingParameter     ErrorCode = 106

	// Venue errors (200-299)
	ErrCodeVenueRejected      ErrorCode = 200
	ErrCodeVenueRateLimited   ErrorCode = 201
	ErrCodeVenueUnavailable   ErrorCode = 202
	ErrCodeVenueTimeout       ErrorCode = 203
	ErrCodeOrderNotFound      ErrorCode = 204
	ErrCodeClockDriftExceeded ErrorCode = 205
	ErrCodeBelowMinNotional   ErrorCode = 206
	ErrCodeRetriesExhausted   ErrorCode = 207

	// Risk errors (300-399)
	ErrCodeRiskBlocked     ErrorCode = 300
	ErrCodeRiskHalted      ErrorCode = 301
	ErrCodeRiskInitFailed  ErrorCode = 302
	ErrCodeInvalidRiskRule ErrorCode = 303

	// Kill switch errors (400-499)
	ErrCodeKillSwitchPersist ErrorCode = 400
	ErrCodeKillSwitchRestore ErrorCode = 401

	// Shadow mode errors (500-599)
	ErrCodeInvalidTradingMode ErrorCode = 500
	ErrCodeNotInCanaryMode    ErrorCode = 501
	ErrCodeRollbackFailed     ErrorCode = 502

	// Reconciliation errors (600-699)
	ErrCodeReconcileFailed    ErrorCode = 600
	ErrCodeReportPersistError ErrorCode = 601

	// Canary orchestration errors (700-799)
	ErrCodePhaseFailed      ErrorCode = 700
	ErrCodePhaseRolledBack  ErrorCode = 701
	ErrCodeHealthCheckError ErrorCode = 702

	// Persistence errors (800-899)
	ErrCodeStoreUnavailable ErrorCode = 800
	ErrCodeStoreReadFailed  ErrorCode = 801
	ErrCodeStoreWriteFailed ErrorCode = 802
)
