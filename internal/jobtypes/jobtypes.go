// Package jobtypes wires the registry.JobDefinition for each of the
// four example job types the geoflow orchestrator ships with out of
// the box. Grounded on the teacher's cmd/main.go registration style
// (explicit, one-call-per-type wiring rather than reflection-based
// auto-discovery) and on the lineage rule of spec.md §4.4 ("the
// planner reads tasks WHERE parent_job_id=? AND stage=stage-1 AND
// task_index=? and splices its result_data").
package jobtypes

import (
	"fmt"

	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/validators"
)

// Deps carries the external collaborators the pre-flight validators of
// the example job types need. Both are optional: a nil BlobStat or
// RowQuerier simply drops the corresponding validator, which keeps
// RegisterAll usable in tests and in partial deployments that don't
// wire a blob store or haven't connected Postgres yet.
type Deps struct {
	BlobStat   validators.BlobStat
	RowQuerier validators.RowExistsQuerier
}

// RegisterAll registers vector_ingest, raster_cog_convert, hex_aggregate
// and stac_index_build into reg.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	defs := []registry.JobDefinition{
		vectorIngestDefinition(deps),
		rasterCOGConvertDefinition(deps),
		hexAggregateDefinition(deps),
		stacIndexBuildDefinition(deps),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register job type %q: %w", def.JobType, err)
		}
	}
	return nil
}
