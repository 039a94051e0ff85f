// Package store keeps a durable journal of pushed envelopes.
//
// A Journal is an interfaces.EnvelopeObserver: the receive loop hands it
// every envelope before acknowledging it to the service, so an envelope
// that has been acknowledged is always on disk. Entries stay in the
// journal until the application removes them after processing.
//
//	j, err := store.Open("/var/lib/whisperpipe/journal.db")
//	if err != nil {
//	    return err
//	}
//	defer j.Close()
//
//	r, err := messaging.NewReceiver(pipe, messaging.ReceiverConfig{Observer: j})
//
// Entries are keyed by time-ordered UUIDs, so Pending returns them in
// arrival order.
package store
