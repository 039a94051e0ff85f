// Package commands defines the whisperpipe CLI.
//
// Commands
//
//   - attachment encrypt   Encrypt a file with a fresh attachment key
//   - attachment decrypt   Verify and decrypt an attachment file
//   - profile encrypt-name Encrypt a profile name under a profile key
//   - profile decrypt-name Decrypt a profile name
//   - profile access-key   Derive the unidentified access key of a profile key
//   - listen               Journal envelopes pushed over the identified pipe
//   - journal list         Print journaled envelopes
//   - journal remove       Drop a journaled envelope
//   - config check         Load and validate a configuration file
//
// Keys and digests are exchanged as standard base64.
package commands
