// Package factory assembles a ready-to-use client from a configuration.
//
// The factory is the single place where the transport, push, envelope and
// messaging layers are wired together, so applications and tests do not
// repeat that wiring.
//
// # Wiring
//
// New builds, in order:
//   - the one-shot HTTP transport and the service client on top of it
//   - the attachment store
//   - the identified pipe and, unless disabled, the sealed pipe
//   - the envelope cipher
//   - the sender and the receiver
//
// Session state is not part of the configuration; the caller supplies it
// through Deps.
//
// # Usage
//
//	cfg, err := config.LoadFile("whisperpipe.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := factory.New(cfg, factory.Deps{Sessions: sessions})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	outcome, err := client.Sender.SendDataMessage(ctx, recipient, nil, msg)
//
// # Testing Support
//
// Tests point Service.URL at a testing.SimulatedService and pass
// simulated sessions in Deps; nothing else changes.
package factory
