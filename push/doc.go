// Package push holds the service-facing data model: account addresses, the
// JSON bodies exchanged with the message API, the incoming envelope codec,
// pre-key bundle retrieval and encrypted attachment storage.
//
// Nothing in this package encrypts message content; it only carries
// ciphertext produced elsewhere.
package push
