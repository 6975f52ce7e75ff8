package db

import "testing"

// createTestDB opens a fresh database in a temp directory. The returned
// cleanup closes it; the directory is removed by the testing framework.
func createTestDB(t *testing.T, opts Options) (DB, func()) {
	t.Helper()
	opts.CreateIfMissing = true
	database, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return database, func() { database.Close() }
}
