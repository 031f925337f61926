// Package token maps opaque login tokens to usernames in memory.
// Tokens are 256 bits of crypto/rand encoded base64url, expire after a
// configured absolute timeout, and do not survive a restart.
package token
