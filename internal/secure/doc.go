// Package secure provides memory-safe handling of API key material.
//
// Two types wrap the memguard library:
//
//   - Secret is plaintext held in a locked, guard-paged buffer. It is the only
//     form in which key material travels between the key store, the
//     key-management layer and provider probes. Its String, GoString, Format
//     and MarshalJSON methods never reveal the value, so a Secret that ends up
//     in a log line or a JSON response prints as [REDACTED].
//   - Sealed keeps bytes encrypted at rest in memory (memguard.Enclave) for
//     long-lived material such as derived data keys.
//
// # Usage
//
//	s := secure.NewSecret(raw) // raw is wiped
//	defer s.Destroy()
//
//	err := s.Use(func(b []byte) error {
//	    req.Header.Set("Authorization", "Bearer "+string(b))
//	    return nil
//	})
//
// Destroy overwrites the buffer with zeros and is idempotent. After Destroy,
// Bytes returns nil and Use fails with ErrDestroyed.
//
// Memory locking needs RLIMIT_MEMLOCK on Linux. When it is unavailable memguard
// degrades to ordinary memory; values are still wiped on Destroy.
package secure
