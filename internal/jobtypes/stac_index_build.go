package jobtypes

import (
	"fmt"

	"github.com/geoflow/orchestrator/internal/registry"
)

// stacIndexBuildDefinition builds a STAC catalog over a set of
// already-ingested assets: stage 1 builds one STAC item per asset in
// parallel, stage 2 writes the single catalog.json tying them
// together. deps is unused here (no external pre-flight resource to
// probe beyond schema validation) but kept for signature symmetry with
// the other three definitions.
func stacIndexBuildDefinition(deps Deps) registry.JobDefinition {
	return registry.JobDefinition{
		JobType:     "stac_index_build",
		TotalStages: 2,
		Schema: registry.ParameterSchema{Fields: []registry.FieldSpec{
			{Name: "collection_id", Type: registry.FieldString, Required: true},
			{Name: "asset_uris", Type: registry.FieldArray, Required: true},
		}},
		Plan:     planStacIndexBuildStage,
		Finalize: finalizeStacIndexBuild,
	}
}

func planStacIndexBuildStage(jobID string, stage int, parameters map[string]any, stageResultsSoFar map[string]any) ([]registry.TaskSpec, error) {
	switch stage {
	case 1:
		assetURIs, _ := parameters["asset_uris"].([]any)
		specs := make([]registry.TaskSpec, 0, len(assetURIs))
		for i, a := range assetURIs {
			assetURI, _ := a.(string)
			specs = append(specs, registry.TaskSpec{
				TaskType:   "stac_item_build",
				IndexToken: fmt.Sprintf("%d", i),
				Parameters: map[string]any{"asset_uri": assetURI},
			})
		}
		return specs, nil
	case 2:
		return []registry.TaskSpec{{
			TaskType:   "stac_catalog_write",
			IndexToken: "0",
			Parameters: map[string]any{"items": stageResultsSoFar},
		}}, nil
	default:
		return nil, fmt.Errorf("stac_index_build: no planner for stage %d", stage)
	}
}

func finalizeStacIndexBuild(parameters map[string]any, stageResultsSoFar map[string]any) (map[string]any, error) {
	stage2, _ := stageResultsSoFar["2"].(map[string]any)
	return map[string]any{
		"collection_id": parameters["collection_id"],
		"catalog":       stage2["0"],
	}, nil
}
