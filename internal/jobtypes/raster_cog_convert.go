package jobtypes

import (
	"fmt"

	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/validators"
)

// rasterCOGConvertDefinition rewrites a raster source into a
// cloud-optimized GeoTIFF. Single stage: one conversion task for the
// whole source, since COG conversion doesn't split across workers the
// way tile ingest does.
func rasterCOGConvertDefinition(deps Deps) registry.JobDefinition {
	var validatorList []registry.Validator
	if deps.BlobStat != nil {
		validatorList = append(validatorList, &validators.BlobExists{Field: "source_uri", Stat: deps.BlobStat})
	}

	return registry.JobDefinition{
		JobType:     "raster_cog_convert",
		TotalStages: 1,
		Schema: registry.ParameterSchema{Fields: []registry.FieldSpec{
			{Name: "source_uri", Type: registry.FieldString, Required: true},
			{Name: "resampling", Type: registry.FieldString, Required: false, AllowedValues: []string{"nearest", "bilinear", "cubic"}},
		}},
		Validators: validatorList,
		Plan:       planRasterCOGConvertStage,
		Finalize:   finalizeRasterCOGConvert,
	}
}

func planRasterCOGConvertStage(jobID string, stage int, parameters map[string]any, stageResultsSoFar map[string]any) ([]registry.TaskSpec, error) {
	if stage != 1 {
		return nil, fmt.Errorf("raster_cog_convert: no planner for stage %d", stage)
	}
	sourceURI, _ := parameters["source_uri"].(string)
	resampling, ok := parameters["resampling"].(string)
	if !ok || resampling == "" {
		resampling = "nearest"
	}
	return []registry.TaskSpec{{
		TaskType:   "cog_convert",
		IndexToken: "0",
		Parameters: map[string]any{"source_uri": sourceURI, "resampling": resampling},
	}}, nil
}

func finalizeRasterCOGConvert(parameters map[string]any, stageResultsSoFar map[string]any) (map[string]any, error) {
	stage1, _ := stageResultsSoFar["1"].(map[string]any)
	cog, _ := stage1["0"].(map[string]any)
	return map[string]any{"cog": cog}, nil
}
