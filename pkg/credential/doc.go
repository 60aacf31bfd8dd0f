// Package credential defines the domain records of the dskeys credential
// lifecycle engine.
//
// The engine stores third-party API keys per owner per provider, reconciles
// their validity against the provider, audits the key store for drift and
// raises alerts. Each record type in this package has exactly one owning
// component; every other component reads it through the owner's query
// contract.
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                service.Service                              │
//	│               (internal/service/)                           │
//	└──────┬──────────────────┬──────────────────┬────────────────┘
//	       │                  │                  │
//	┌──────▼──────┐   ┌───────▼───────┐   ┌──────▼──────┐
//	│  KeyStore   │   │  Reconciler   │   │   Auditor   │
//	│ KeyRecord   │   │ StatusRecord  │   │AuditFinding │
//	└─────────────┘   └───────┬───────┘   └──────┬──────┘
//	                          │                  │
//	                   ┌──────▼──────────────────▼──────┐
//	                   │       alert.Dispatcher         │
//	                   │            Alert               │
//	                   └────────────────────────────────┘
//
// # Status states
//
// A StatusRecord moves through a closed set of states:
//
//	Pending ──Valid──► Active ──Invalid/Transient──► Error ──Valid──► Active
//	                                                   │
//	                         failures ≥ threshold and ─┘
//	                         last verdict Invalid ──────► Revoked
//
// Unknown is entered from any state when a probe could not be attempted at
// all (for example the key could not be decrypted). It reflects an
// infrastructure failure, not a credential failure.
//
// # Secret material
//
// KeyRecord never carries plaintext. Ciphertext is produced and consumed by
// the key-management layer only; plaintext exists as a *secure.Secret for the
// duration of a scoped decrypt.
package credential
