/*
Package storage persists the nvmetd configuration in BoltDB.

Each entity lives in its own bucket as JSON, keyed by a big-endian uint64
taken from the bucket sequence, so iteration returns records in creation
order and IDs are never reused. The global configuration is a single record
in the "global" bucket; GetGlobal returns defaults until it is first
updated.

Lookups of missing records return an error wrapping ErrNotFound:

	host, err := store.GetHost(7)
	if errors.Is(err, storage.ErrNotFound) {
		// ...
	}

When a SecretsManager is set, host DH-HMAC-CHAP keys are encrypted before
they reach the database and decrypted on the way out.
*/
package storage
