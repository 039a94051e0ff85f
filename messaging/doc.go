// Package messaging sends and receives end-to-end encrypted messages
// through the message service.
//
// # Overview
//
// A [Sender] turns one piece of structured content into per-device
// ciphertexts for a recipient, transmits them, and reconciles its session
// state with whatever the service reports back. A [Receiver] drains
// server-pushed envelopes from an identified pipe, hands them to an
// observer, and acknowledges them.
//
// # Architecture
//
//   - [Sender]: the dispatch pipeline. One send is a bounded loop per
//     recipient: establish missing sessions, encrypt for every known
//     device, transmit, then act on the [TransmitResult].
//   - [TransmitResult]: the tagged result of a single transmit. Mismatched
//     and stale device responses are values, not errors, and drive session
//     creation and deletion before the next attempt.
//   - [SendOutcome]: the per-recipient result surfaced to the application.
//   - [Receiver]: the pushed-request loop over a [transport.Pipe].
//
// # Transport Selection
//
// Identified sends prefer the identified pipe and sealed sends prefer the
// sealed pipe, each only while open. A transport error on a pipe falls
// through to the one-shot HTTP transport within the same attempt. Sealed
// sends never travel over the identified pipe, which would reveal the
// sender to the service.
//
// # Sync Transcripts
//
// When the service reports that the local account has other linked
// devices, or the account is known to be multi-device, a successful send
// is followed by a sent transcript addressed to ourselves. The transcript
// send itself never triggers another transcript.
//
// # Usage
//
//	sender, err := messaging.NewSender(messaging.SenderConfig{
//	    LocalAddress: self,
//	    DeviceID:     1,
//	}, messaging.SenderDeps{
//	    Cipher:   cipher,
//	    Sessions: sessions,
//	    PreKeys:  push.NewServiceClient(oneShot),
//	    OneShot:  oneShot,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sender.Close()
//	sender.SetPipes(identifiedPipe, sealedPipe)
//
//	outcome, err := sender.SendDataMessage(ctx, bob, access, &content.DataMessage{
//	    Body:      "hello",
//	    Timestamp: uint64(time.Now().UnixMilli()),
//	})
//
// # Concurrency
//
// [Sender] is safe for concurrent use. Sends to the same recipient are
// serialized so that no two encryptions advance the same session at once;
// sends to different recipients proceed in parallel on a bounded worker
// pool.
package messaging
