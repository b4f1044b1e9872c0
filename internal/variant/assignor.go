package variant

import (
	"context"
	"hash/fnv"
	"log/slog"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// totalBuckets is the resolution of the traffic split. Variant weights are
// percentages, mapped onto 10000 buckets.
const totalBuckets = 10000

// Assignment is the result of bucketing a contact into a variant.
type Assignment struct {
	VariantDefinitionID string
	Definition          *schema.WorkflowDefinition
}

// Assignor deterministically buckets contacts into configured graph variants.
// Assignment is a pure function of (definitionID, contactID): recomputing it
// mid-flight always yields the same variant.
type Assignor struct {
	store  store.Store
	logger *slog.Logger
}

// NewAssignor creates a variant assignor backed by the given store.
func NewAssignor(st store.Store, logger *slog.Logger) *Assignor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assignor{store: st, logger: logger}
}

// Assign resolves the effective definition for a contact. Returns nil when no
// variant applies or on any internal error; callers treat nil as "use the
// base definition". A failure here must never block execution start.
func (a *Assignor) Assign(ctx context.Context, definitionID, contactID string) *Assignment {
	configs, err := a.store.GetVariantConfigs(ctx, definitionID)
	if err != nil {
		a.logger.WarnContext(ctx, "variant config load failed, using base definition",
			"definition_id", definitionID, "error", err)
		return nil
	}
	if len(configs) == 0 {
		return nil
	}

	variantID := pick(definitionID, contactID, configs)
	if variantID == "" {
		return nil
	}

	rec, err := a.store.GetLatestDefinition(ctx, variantID)
	if err != nil {
		a.logger.WarnContext(ctx, "variant definition load failed, using base definition",
			"definition_id", definitionID, "variant_definition_id", variantID, "error", err)
		return nil
	}

	return &Assignment{VariantDefinitionID: variantID, Definition: &rec.Definition}
}

// pick hashes the contact into a bucket and walks the cumulative weight
// ranges. Buckets beyond the configured variant weights fall through to the
// base definition (empty return).
func pick(definitionID, contactID string, configs []*store.VariantConfig) string {
	bucket := Bucket(definitionID, contactID)

	cumulative := 0
	for _, cfg := range configs {
		if cfg.Weight <= 0 {
			continue
		}
		cumulative += cfg.Weight * totalBuckets / 100
		if bucket < cumulative {
			return cfg.VariantDefinitionID
		}
	}
	return ""
}

// Bucket maps (definitionID, contactID) to a stable bucket in [0, 10000).
func Bucket(definitionID, contactID string) int {
	h := fnv.New64a()
	h.Write([]byte(definitionID))
	h.Write([]byte{'|'})
	h.Write([]byte(contactID))
	return int(h.Sum64() % totalBuckets)
}
