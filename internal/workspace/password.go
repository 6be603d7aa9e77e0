package workspace

import "golang.org/x/crypto/bcrypt"

// hashPassword derives the bcrypt verifier kept in serialized
// snapshots, so persisted state never holds the password in the clear.
// The Pwd login step itself sends Credentials.password, which stays
// unexported and is never serialized.
func hashPassword(pwd string) []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		// bcrypt rejects passwords longer than 72 bytes; no verifier is
		// kept for those rather than storing the password in the clear.
		return nil
	}
	return hash
}
