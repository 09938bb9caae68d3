// Package password hashes and verifies user passwords with argon2id.
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<KiB>,t=<passes>,p=<lanes>$<salt>$<key>
//
// The package never stores or logs passwords; callers pass plaintext in
// and keep the returned string.
package password
