// Package registry is the durable store of device identities.
//
// Registry enforces name uniqueness. Registering a name that already exists
// reconciles the declared properties with the stored thing according to the
// override settings instead of failing:
//
//	MERGE       union; keys that already exist keep their stored value
//	REPLACE     the declared value supersedes the stored one
//	DO_NOTHING  the stored value is left untouched (default)
//	FAIL        the registration is rejected
//
// Every mutation of a name runs under a per-name lock from a
// interfaces.Locker. KeyedLocker serves a single process; redislock.Locker
// serves several replicas sharing one store. Writes are additionally
// versioned by the store, so a missing lock surfaces as ErrConflict rather
// than a lost update.
//
// Stores: MemoryStore for tests and single-node runs, pgstore.Store for
// PostgreSQL.
package registry
