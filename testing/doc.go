// Package testing provides simulation infrastructure for deterministic
// tests of whisperpipe.
//
// # Simulated Sessions
//
// SimulatedSessions implements interfaces.SessionCrypto and
// interfaces.IdentityKeys without any real ratchet. It models what the
// dispatch pipeline cares about: sessions bootstrapped from pre-key
// bundles, the switch from pre-key to ordinary ciphertexts once the peer
// has answered, identity pinning with UntrustedIdentityError on a change,
// and replay detection.
//
//	alice, _ := testing.NewSimulatedSessions(1111)
//	bob, _ := testing.NewSimulatedSessions(2222)
//	_ = alice.CreateSession(bobAddr, 1, bob.Bundle(1))
//
// # Simulated Service
//
// SimulatedService runs an httptest server that speaks both the HTTP
// message API and the websocket pipe protocol. It tracks registered
// accounts and their devices and answers sends the way the real service
// does: 409 with missing and extra devices, 410 with stale devices, 401
// for a wrong unidentified access key and 404 for unknown accounts.
// Script queues canned responses ahead of that bookkeeping.
//
// Every send is recorded in a delivery log:
//
//	svc := testing.NewSimulatedService()
//	defer svc.Close()
//	...
//	for _, rec := range svc.GetDeliveryLog() {
//	    fmt.Println(rec.Destination, rec.Status, rec.Sealed)
//	}
//
// Envelopes for a device with a connected identified pipe are pushed over
// it; otherwise they are kept in the device's mailbox.
//
// # Thread Safety
//
// Both types are safe for concurrent use.
package testing
