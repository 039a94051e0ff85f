// Package interfaces defines the capabilities whisperpipe consumes but does
// not implement itself.
//
// The double-ratchet session store lives outside this module. The
// dispatch pipeline and the envelope cipher reach it only through
// [SessionCrypto], so a production store and the deterministic simulation
// in the testing package are interchangeable:
//
//	cipher := envelope.NewCipher(envelope.CipherConfig{
//	    LocalAddress: self,
//	    DeviceID:     deviceID,
//	    Sessions:     sessions, // interfaces.SessionCrypto
//	    Identities:   identities,
//	    TrustRoot:    trustRoot,
//	})
//
// # Call Order
//
// [EnvelopeObserver] is invoked synchronously for every pushed envelope
// before the push is acknowledged to the service. An observer that returns
// an error leaves the push unacknowledged so that the service redelivers it.
//
// [SecurityEventListener] is invoked after a session has been bootstrapped
// from a pre-key bundle and after all sessions with a peer were discarded.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The dispatch pipeline
// sends to several recipients at once from a worker pool.
package interfaces
