package variant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

func newTestAssignor(t *testing.T) (*Assignor, *store.LibSQLStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return NewAssignor(s, nil), s
}

func TestBucket_Deterministic(t *testing.T) {
	b1 := Bucket("wf-1", "c-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, b1, Bucket("wf-1", "c-1"))
	}
	assert.GreaterOrEqual(t, b1, 0)
	assert.Less(t, b1, totalBuckets)
}

func TestBucket_VariesByInput(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		seen[Bucket("wf-1", fmt.Sprintf("c-%d", i))] = true
	}
	// Near-uniform hashing over 100 contacts should hit many buckets.
	assert.Greater(t, len(seen), 90)
}

func TestAssign_NoConfigsReturnsNil(t *testing.T) {
	a, _ := newTestAssignor(t)
	assert.Nil(t, a.Assign(context.Background(), "wf-1", "c-1"))
}

func TestAssign_StableForContact(t *testing.T) {
	a, s := newTestAssignor(t)
	ctx := context.Background()

	require.NoError(t, s.PutDefinition(ctx, &store.DefinitionRecord{
		ID: "wf-1-b", Version: 1,
		Definition: schema.WorkflowDefinition{ID: "wf-1-b", Version: 1},
	}))
	require.NoError(t, s.PutVariantConfig(ctx, &store.VariantConfig{
		DefinitionID: "wf-1", VariantDefinitionID: "wf-1-b", Weight: 100,
	}))

	first := a.Assign(ctx, "wf-1", "c-1")
	require.NotNil(t, first)
	assert.Equal(t, "wf-1-b", first.VariantDefinitionID)
	require.NotNil(t, first.Definition)

	for i := 0; i < 5; i++ {
		again := a.Assign(ctx, "wf-1", "c-1")
		require.NotNil(t, again)
		assert.Equal(t, first.VariantDefinitionID, again.VariantDefinitionID)
	}
}

func TestAssign_WeightsApproximateSplit(t *testing.T) {
	a, s := newTestAssignor(t)
	ctx := context.Background()

	require.NoError(t, s.PutDefinition(ctx, &store.DefinitionRecord{
		ID: "wf-1-b", Version: 1,
		Definition: schema.WorkflowDefinition{ID: "wf-1-b", Version: 1},
	}))
	require.NoError(t, s.PutVariantConfig(ctx, &store.VariantConfig{
		DefinitionID: "wf-1", VariantDefinitionID: "wf-1-b", Weight: 30,
	}))

	variantCount := 0
	const contacts = 1000
	for i := 0; i < contacts; i++ {
		if a.Assign(ctx, "wf-1", fmt.Sprintf("c-%d", i)) != nil {
			variantCount++
		}
	}

	// 30% traffic split, generous tolerance for hash variance.
	assert.InDelta(t, 300, variantCount, 75)
}

func TestAssign_MissingVariantDefinitionFallsBack(t *testing.T) {
	a, s := newTestAssignor(t)
	ctx := context.Background()

	// Config points at a definition that was never stored.
	require.NoError(t, s.PutVariantConfig(ctx, &store.VariantConfig{
		DefinitionID: "wf-1", VariantDefinitionID: "wf-ghost", Weight: 100,
	}))

	assert.Nil(t, a.Assign(ctx, "wf-1", "c-1"))
}
