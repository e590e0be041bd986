// Package protocol owns the group wire contract.
//
// Ownership boundary:
// - unit kinds (data, ack, view, resume) and their typed shapes
// - encode/decode between units and framed datagrams
//
// Framing lives in protocol/frame, field encoding in protocol/tlv and
// per-kind field requirements in protocol/schema.
package protocol
