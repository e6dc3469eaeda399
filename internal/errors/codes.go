// Package errors provides the structured error taxonomy shared by every engine.
package errors

import "net/http"

// Kind classifies an error for propagation policy.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindUnconfirmed           Kind = "unconfirmed_external_effect"
	KindInternal              Kind = "internal"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidAddress     Code = "INVALID_ADDRESS"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeInvalidCount       Code = "INVALID_COUNT"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeInvalidDecision    Code = "INVALID_DECISION"
	CodeInvalidTransition  Code = "INVALID_STATUS_TRANSITION"
	CodeInsufficientStake  Code = "INSUFFICIENT_STAKE"
	CodeEntryFeeUnverified Code = "ENTRY_FEE_UNVERIFIED"

	// Not found
	CodeAgentNotFound    Code = "AGENT_NOT_FOUND"
	CodeProposalNotFound Code = "PROPOSAL_NOT_FOUND"
	CodeRoundNotFound    Code = "ROUND_NOT_FOUND"

	// Conflicts
	CodeAlreadyRegistered Code = "AGENT_ALREADY_REGISTERED"
	CodeEntryTxReused     Code = "ENTRY_TX_ALREADY_USED"
	CodeAlreadyVoted      Code = "ALREADY_VOTED"
	CodeVotingClosed      Code = "VOTING_CLOSED"
	CodeAlreadyDrawn      Code = "ALREADY_DRAWN"
	CodeRoundClosed       Code = "ROUND_CLOSED"
	CodeRoundStillOpen    Code = "ROUND_STILL_OPEN"
	CodePayoutMismatch    Code = "PAYOUT_ALREADY_RECORDED"
	CodeConcurrentUpdate  Code = "CONCURRENT_UPDATE"

	// Flow control and dependencies
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeChainUnavailable      Code = "CHAIN_UNAVAILABLE"
	CodeTransferFailed        Code = "TRANSFER_FAILED"
	CodeOracleUnavailable     Code = "ORACLE_UNAVAILABLE"
	CodeBalanceUnavailable    Code = "BALANCE_LOOKUP_UNAVAILABLE"
	CodeUnconfirmedTransfer   Code = "TRANSFER_UNCONFIRMED"
	CodeTransferInFlight      Code = "TRANSFER_IN_FLIGHT"
	CodeReconciliationPending Code = "RECONCILIATION_PENDING"
	CodeDecisionUnavailable   Code = "DECISION_UNAVAILABLE"
)

// HTTPStatus maps a kind to the status the gateway answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindUnconfirmed:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
