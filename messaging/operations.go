package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/opd-ai/whisperpipe/content"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/sealed"
	"github.com/sirupsen/logrus"
)

// nullPaddingMax bounds the random body hidden in a null message.
const nullPaddingMax = 140

func (s *Sender) checkOpen() error {
	if s.closed.Load() {
		return ErrSenderClosed
	}
	return nil
}

func failed(recipient push.Address, err error) (SendOutcome, error) {
	return SendOutcome{Recipient: recipient, Kind: OutcomeNetworkFailure, Err: err}, err
}

// SendDataMessage sends msg to one recipient. access selects sealed
// sender; nil sends identified. A non-success outcome is also returned as
// an error. An end-session message deletes every session with the
// recipient once it has been accepted.
func (s *Sender) SendDataMessage(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, msg *content.DataMessage) (SendOutcome, error) {
	if err := s.checkOpen(); err != nil {
		return failed(recipient, err)
	}
	if msg == nil {
		return failed(recipient, errors.New("data message cannot be nil"))
	}
	plaintext, err := (&content.Content{DataMessage: msg}).Marshal()
	if err != nil {
		return failed(recipient, err)
	}

	outcome := s.dispatch(ctx, recipient, access, msg.Timestamp, plaintext, false)
	if !outcome.Succeeded() {
		return outcome, outcome.AsError()
	}

	if outcome.NeedsSync || (access != nil && s.multiDevice.Load()) {
		if err := s.sendTranscript(ctx, msg, []SendOutcome{outcome}, recipient, false); err != nil {
			return outcome, fmt.Errorf("send sync transcript: %w", err)
		}
	}

	if msg.IsEndSession() {
		s.sessions.DeleteAllSessions(recipient)
		logrus.WithFields(logrus.Fields{
			"function":  "Sender.SendDataMessage",
			"recipient": recipient.Identifier(),
		}).Info("Session ended")
		s.notify(interfaces.SecurityEvent{Kind: interfaces.SessionsReset, Address: recipient})
	}
	return outcome, nil
}

// SendDataMessageToMany sends msg to every recipient in parallel on the
// worker pool. accesses is either empty or parallel to recipients.
// Outcomes are in recipient order; one recipient's failure does not affect
// the others. The returned error only reports a failed sync transcript or
// invalid arguments.
func (s *Sender) SendDataMessageToMany(ctx context.Context, recipients []push.Address, accesses []*sealed.UnidentifiedAccess, msg *content.DataMessage, isRecipientUpdate bool) ([]SendOutcome, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(accesses) != 0 && len(accesses) != len(recipients) {
		return nil, fmt.Errorf("%d access values for %d recipients", len(accesses), len(recipients))
	}
	if msg == nil {
		return nil, errors.New("data message cannot be nil")
	}
	plaintext, err := (&content.Content{DataMessage: msg}).Marshal()
	if err != nil {
		return nil, err
	}

	outcomes := s.dispatchMany(ctx, recipients, accesses, msg.Timestamp, plaintext, false)

	needsSync := s.multiDevice.Load()
	for _, o := range outcomes {
		if o.Succeeded() && o.NeedsSync {
			needsSync = true
		}
	}
	if needsSync {
		if err := s.sendTranscript(ctx, msg, outcomes, push.Address{}, isRecipientUpdate); err != nil {
			return outcomes, fmt.Errorf("send sync transcript: %w", err)
		}
	}
	return outcomes, nil
}

func (s *Sender) dispatchMany(ctx context.Context, recipients []push.Address, accesses []*sealed.UnidentifiedAccess, timestamp uint64, plaintext []byte, online bool) []SendOutcome {
	out := make([]SendOutcome, len(recipients))
	group := s.pool.NewGroup()
	for i, recipient := range recipients {
		i, recipient := i, recipient
		var access *sealed.UnidentifiedAccess
		if len(accesses) > 0 {
			access = accesses[i]
		}
		group.Submit(func() {
			out[i] = s.dispatch(ctx, recipient, access, timestamp, plaintext, online)
		})
	}
	if err := group.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.dispatchMany",
			"error":    err.Error(),
		}).Error("Recipient task failed")
	}
	return out
}

// sendTranscript tells our other devices what was sent. destination is
// set for a single-recipient send only.
func (s *Sender) sendTranscript(ctx context.Context, msg *content.DataMessage, outcomes []SendOutcome, destination push.Address, isRecipientUpdate bool) error {
	t := &content.SentTranscript{
		Timestamp:         msg.Timestamp,
		Message:           msg,
		IsRecipientUpdate: isRecipientUpdate,
	}
	if !destination.IsZero() {
		t.Destination = destination.Identifier()
	}
	for _, o := range outcomes {
		if o.Succeeded() {
			t.UnidentifiedStatus = append(t.UnidentifiedStatus, content.UnidentifiedStatus{
				Destination:  o.Recipient.Identifier(),
				Unidentified: o.Sealed,
			})
		}
	}
	if msg.ExpireTimer > 0 {
		t.ExpirationStartTimestamp = s.now()
	}
	return s.sendToSelf(ctx, content.NewSentSync(t), msg.Timestamp)
}

// sendToSelf sends a sync message to our other devices. It is always
// identified and never triggers another sync.
func (s *Sender) sendToSelf(ctx context.Context, sync *content.SyncMessage, timestamp uint64) error {
	padded := *sync
	if padded.Padding == nil {
		pad, err := content.RandomPadding(s.cfg.SyncPaddingMax)
		if err != nil {
			return err
		}
		padded.Padding = pad
	}
	plaintext, err := (&content.Content{SyncMessage: &padded}).Marshal()
	if err != nil {
		return err
	}
	return s.dispatch(ctx, s.cfg.LocalAddress, nil, timestamp, plaintext, false).AsError()
}

// SendReceipt sends a delivery or read receipt.
func (s *Sender) SendReceipt(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, receipt *content.ReceiptMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	plaintext, err := (&content.Content{ReceiptMessage: receipt}).Marshal()
	if err != nil {
		return err
	}
	return s.dispatch(ctx, recipient, access, s.now(), plaintext, false).AsError()
}

// SendTyping sends a typing indicator. Typing indicators are only
// delivered to devices that are online.
func (s *Sender) SendTyping(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, typing *content.TypingMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	plaintext, err := (&content.Content{TypingMessage: typing}).Marshal()
	if err != nil {
		return err
	}
	return s.dispatch(ctx, recipient, access, typing.Timestamp, plaintext, true).AsError()
}

// SendTypingToMany sends a typing indicator to every group member.
func (s *Sender) SendTypingToMany(ctx context.Context, recipients []push.Address, accesses []*sealed.UnidentifiedAccess, typing *content.TypingMessage) ([]SendOutcome, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(accesses) != 0 && len(accesses) != len(recipients) {
		return nil, fmt.Errorf("%d access values for %d recipients", len(accesses), len(recipients))
	}
	plaintext, err := (&content.Content{TypingMessage: typing}).Marshal()
	if err != nil {
		return nil, err
	}
	return s.dispatchMany(ctx, recipients, accesses, typing.Timestamp, plaintext, true), nil
}

// SendCallMessage sends call signalling.
func (s *Sender) SendCallMessage(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, call *content.CallMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	plaintext, err := (&content.Content{CallMessage: call}).Marshal()
	if err != nil {
		return err
	}
	return s.dispatch(ctx, recipient, access, s.now(), plaintext, false).AsError()
}

// SendSyncMessage sends a sync message to our other devices. A sent
// transcript keeps its own timestamp. A verification change is first
// hidden behind a null message to the verified peer, using access, and
// only synced when the service says we have other devices.
func (s *Sender) SendSyncMessage(ctx context.Context, sync *content.SyncMessage, access *sealed.UnidentifiedAccess) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if sync == nil || sync.Variant == nil {
		return content.ErrUnsupportedSync
	}

	switch v := sync.Variant.(type) {
	case *content.VerifiedSync:
		return s.sendVerified(ctx, v, access)
	case *content.SentTranscript:
		return s.sendToSelf(ctx, sync, v.Timestamp)
	default:
		return s.sendToSelf(ctx, sync, s.now())
	}
}

func (s *Sender) sendVerified(ctx context.Context, v *content.VerifiedSync, access *sealed.UnidentifiedAccess) error {
	peer, err := push.ParseAddress(v.Destination)
	if err != nil {
		return err
	}

	body, err := content.RandomPadding(nullPaddingMax)
	if err != nil {
		return err
	}
	null := &content.NullMessage{
		Padding: (&content.DataMessage{Body: base64.StdEncoding.EncodeToString(body)}).Marshal(),
	}
	plaintext, err := (&content.Content{NullMessage: null}).Marshal()
	if err != nil {
		return err
	}

	timestamp := s.now()
	outcome := s.dispatch(ctx, peer, access, timestamp, plaintext, false)
	if !outcome.Succeeded() {
		return outcome.AsError()
	}
	if !outcome.NeedsSync {
		return nil
	}

	verified := *v
	verified.NullMessage = null.Marshal()
	return s.sendToSelf(ctx, content.NewVerifiedSync(verified), timestamp)
}
