// Package tcprelay implements a TCP relay that can encrypt the bytes it forwards.
//
// A relay accepts TCP connections and forwards each one to a fixed next hop.
// Two relays can form an encrypted tunnel between an application client and its server:
//
//	client <-> encrypting relay <=> decrypting relay <-> server
//
// Between the relays, each direction of a connection is a sequence of frames:
//
//	frame := 2B u16be length + body
//	body := 12B random nonce + AES-256-GCM ciphertext + 16B tag
//
// A frame with a zero length header carries no body and marks the end of that direction.
// The relay receiving it half-closes the connection it writes to, so one side may finish
// sending while the other keeps going.
//
// A relay may also run in passthrough mode, forwarding bytes unchanged.
package tcprelay
