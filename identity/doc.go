// Package identity loads user records and decides whether a user may
// authenticate.
//
// [Validator] runs on every authentication that misses the decision cache,
// so a user disabled after their access token was issued is denied as soon
// as cached decisions for them lapse. Lookups are bounded and fail closed.
//
// [GormStore] reads the users table through gorm (postgres in production,
// sqlite for local runs and tests). [MemoryStore] is for tests and tools.
package identity
