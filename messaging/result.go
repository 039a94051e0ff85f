package messaging

import (
	"errors"
	"fmt"

	"github.com/opd-ai/whisperpipe/push"
)

var (
	// ErrConflictsUnresolved is reported once the attempt budget is spent
	// without the service accepting the device list.
	ErrConflictsUnresolved = errors.New("failed to resolve conflicts")
	// ErrSenderClosed is returned by sends after Close.
	ErrSenderClosed = errors.New("sender closed")
	// ErrNoRecipients is returned by multi-recipient sends given no recipients.
	ErrNoRecipients = errors.New("no recipients")
)

// TransmitKind tags a TransmitResult.
type TransmitKind int

const (
	// TransmitSuccess means the service accepted every device ciphertext.
	TransmitSuccess TransmitKind = iota
	// NeedsReconciliation means the device list differed from the
	// service's; Mismatched says how.
	NeedsReconciliation
	// NeedsStaleCleanup means some sessions are for replaced devices.
	NeedsStaleCleanup
	// AuthFailure means the credentials or access key were refused.
	AuthFailure
	// IdentityMismatch means a fetched pre-key bundle was unusable.
	IdentityMismatch
	// UntrustedIdentity means the recipient's identity key changed.
	UntrustedIdentity
	// Unregistered means the recipient has no account.
	Unregistered
	// NetworkFailure covers transport errors and unexpected statuses.
	NetworkFailure
)

func (k TransmitKind) String() string {
	switch k {
	case TransmitSuccess:
		return "success"
	case NeedsReconciliation:
		return "needs_reconciliation"
	case NeedsStaleCleanup:
		return "needs_stale_cleanup"
	case AuthFailure:
		return "auth_failure"
	case IdentityMismatch:
		return "identity_mismatch"
	case UntrustedIdentity:
		return "untrusted_identity"
	case Unregistered:
		return "unregistered"
	case NetworkFailure:
		return "network_failure"
	default:
		return fmt.Sprintf("TransmitKind(%d)", int(k))
	}
}

// TransmitResult is the outcome of one attempt for one recipient.
type TransmitResult struct {
	Kind       TransmitKind
	NeedsSync  bool
	Mismatched *push.MismatchedDevices
	Stale      *push.StaleDevices
	Err        error
}

// OutcomeKind classifies a finished send for the application.
type OutcomeKind int

const (
	// OutcomeSuccess means the message was accepted for every device.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeUntrustedIdentity means the recipient's identity key changed
	// and must be re-verified before sending again.
	OutcomeUntrustedIdentity
	// OutcomeUnregistered means the recipient should be dropped.
	OutcomeUnregistered
	// OutcomeNetworkFailure is retryable later. It includes an exhausted
	// attempt budget.
	OutcomeNetworkFailure
	// OutcomeAuthFailure means our own credentials were refused.
	OutcomeAuthFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeUntrustedIdentity:
		return "untrusted_identity"
	case OutcomeUnregistered:
		return "unregistered"
	case OutcomeNetworkFailure:
		return "network_failure"
	case OutcomeAuthFailure:
		return "auth_failure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// SendOutcome is the result of sending to one recipient.
type SendOutcome struct {
	Recipient push.Address
	Kind      OutcomeKind
	// Sealed reports whether the accepted send used sealed sender.
	Sealed bool
	// NeedsSync is the service's hint that we have other linked devices.
	NeedsSync bool
	// IdentityKey is the new key when Kind is OutcomeUntrustedIdentity.
	IdentityKey []byte
	Err         error
}

// Succeeded reports whether the send was accepted.
func (o SendOutcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// AsError returns nil for a success and a descriptive error otherwise.
func (o SendOutcome) AsError() error {
	if o.Succeeded() {
		return nil
	}
	if o.Err != nil {
		return fmt.Errorf("send to %s: %s: %w", o.Recipient.Identifier(), o.Kind, o.Err)
	}
	return fmt.Errorf("send to %s: %s", o.Recipient.Identifier(), o.Kind)
}
