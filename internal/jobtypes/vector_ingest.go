package jobtypes

import (
	"fmt"

	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/validators"
)

// vectorIngestDefinition ingests a vector file into PostGIS in two
// stages: stage 1 ingests one tile per file chunk, stage 2 builds a
// spatial index over the tiles stage 1 produced. Stage 2's planner
// demonstrates the "Lineage" rule of spec.md §4.4: it reads stage 1's
// per-task results back out of stageResultsSoFar rather than
// recomputing anything.
func vectorIngestDefinition(deps Deps) registry.JobDefinition {
	var validatorList []registry.Validator
	if deps.BlobStat != nil {
		validatorList = append(validatorList, &validators.BlobExists{Field: "source_uri", Stat: deps.BlobStat})
	}

	return registry.JobDefinition{
		JobType:     "vector_ingest",
		TotalStages: 2,
		Schema: registry.ParameterSchema{Fields: []registry.FieldSpec{
			{Name: "source_uri", Type: registry.FieldString, Required: true},
			{Name: "target_table", Type: registry.FieldString, Required: true},
			{Name: "tile_count", Type: registry.FieldInt, Required: false, Min: floatPtr(1), Max: floatPtr(10000)},
		}},
		Validators: validatorList,
		Plan:       planVectorIngestStage,
		Finalize:   finalizeVectorIngest,
	}
}

func planVectorIngestStage(jobID string, stage int, parameters map[string]any, stageResultsSoFar map[string]any) ([]registry.TaskSpec, error) {
	switch stage {
	case 1:
		sourceURI, _ := parameters["source_uri"].(string)
		tileCount := intParam(parameters, "tile_count", 1)
		specs := make([]registry.TaskSpec, 0, tileCount)
		for i := 0; i < tileCount; i++ {
			specs = append(specs, registry.TaskSpec{
				TaskType:   "ingest_tile",
				IndexToken: fmt.Sprintf("%d", i),
				Parameters: map[string]any{"source_uri": sourceURI, "tile_index": i},
			})
		}
		return specs, nil
	case 2:
		// Lineage: one index task per stage-1 tile, each reading that
		// tile's own result back out of stageResultsSoFar.
		specs := make([]registry.TaskSpec, 0, len(stageResultsSoFar))
		for indexToken, raw := range stageResultsSoFar {
			entry, _ := raw.(map[string]any)
			params := map[string]any{"tile_result": entry}
			if nsp, ok := entry["next_stage_params"].(map[string]any); ok {
				for k, v := range nsp {
					params[k] = v
				}
			}
			specs = append(specs, registry.TaskSpec{
				TaskType:   "index_tile",
				IndexToken: indexToken,
				Parameters: params,
			})
		}
		return specs, nil
	default:
		return nil, fmt.Errorf("vector_ingest: no planner for stage %d", stage)
	}
}

func finalizeVectorIngest(parameters map[string]any, stageResultsSoFar map[string]any) (map[string]any, error) {
	return map[string]any{
		"target_table": parameters["target_table"],
		"stages":       stageResultsSoFar,
	}, nil
}

func floatPtr(f float64) *float64 { return &f }

func intParam(parameters map[string]any, field string, fallback int) int {
	v, ok := parameters[field]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}
