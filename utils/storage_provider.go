package utils

import (
	"os"
	"strings"
)

// Product photos live in GCS. The provider is still read from env so a
// misconfigured deployment fails the upload endpoints loudly instead of
// signing URLs against the wrong store.
const StorageProviderGCS = "gcs"

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}
