package auth

import "crypto/subtle"

// VerifyAdminSecret compares a presented admin secret against the
// configured one in constant time. An empty configured secret disables
// the admin surface entirely: nothing matches it, not even "".
func VerifyAdminSecret(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
