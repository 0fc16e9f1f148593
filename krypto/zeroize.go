package krypto

// Zero overwrites b in place with zero bytes. Callers use it to bound the
// lifetime of passphrase buffers, derived keys, and masterkey bytes in
// memory once they are no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
