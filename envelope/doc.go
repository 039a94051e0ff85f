// Package envelope turns application content into per-device outgoing
// envelopes and incoming envelopes back into content.
//
// Encryption pads the serialized content with the transport padding,
// hands it to the session store for the per-device ratchet and optionally
// seals the result so the service cannot see who sent it. Decryption
// reverses the steps and then applies two checks the session layer cannot:
// sync messages are only accepted from our own account, and a data
// message must carry the timestamp of the envelope that delivered it.
package envelope
