//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFirestoreStore_Contract(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := NewFirestoreStore(ctx, "secmon-test", "t"+uuid.NewString()[:8]+"_")
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}
