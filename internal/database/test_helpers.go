package database

import (
	"os"
)

// GetTestDSN returns the database used by integration tests, or "" when
// none is configured.
func GetTestDSN() string {
	return os.Getenv("LEARNHUB_TEST_DATABASE_URL")
}
