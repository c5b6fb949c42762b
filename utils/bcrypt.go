package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword hashes account passwords before they are stored. Owner,
// staff and seeded admin accounts all go through here.
func HashPassword(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

// ComparePassword checks a login attempt against the stored hash.
func ComparePassword(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}
