// Package sealed implements sealed-sender delivery, where the sender's
// identity travels encrypted inside the envelope instead of being asserted
// to the service by the transport.
//
// A sealed envelope is a single one-way Noise X handshake message from the
// sender to the recipient's identity key:
//
//	-> e, es, s, ss
//
// The handshake transmits the sender's static identity key encrypted, and
// the payload carries the service-issued [SenderCertificate], the inner
// session ciphertext type and the ciphertext itself. The recipient accepts
// the envelope only if the certificate is signed by the service trust root,
// has not expired, and names the same identity key the handshake
// authenticated.
//
// The service authorizes sealed deliveries with a 16-byte access key derived
// from the recipient's profile key by [DeriveAccessKey].
package sealed
