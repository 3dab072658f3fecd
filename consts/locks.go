package consts

// OfflinePresenceLockSuffix namespaces the per-user mutual exclusion lock
// that guards loading offline presence from the database into the cache.
// The suffix keeps the key distinct from any other per-user lock use, so
// unrelated subsystems never contend on the same lock name.
const OfflinePresenceLockSuffix = "/offline-presence"

// OrioleAdvisoryLockID is a unique integer used for a PostgreSQL advisory
// lock so that only one oriole instance or admin tool performs critical
// operations (like schema bootstrap) at a time.
const OrioleAdvisoryLockID = 52181437 // A randomly chosen integer
