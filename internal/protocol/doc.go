// Package protocol owns the console wire contract.
//
// Ownership boundary:
// - Message model and command vocabulary
// - canonical Serialize/Parse over frame + tlv primitives
// - incremental Decoder for stream reads
// - status codes
package protocol
