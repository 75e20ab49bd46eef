package jobtypes

import (
	"fmt"

	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/validators"
)

// hexAggregateDefinition aggregates point data into an H3 hexagon
// grid in two stages: stage 1 bins points per cell in parallel, stage
// 2 rolls every cell's bin up into a single output row. Stage 2's
// planner is a textbook fan-in: one task reading every stage-1 result.
func hexAggregateDefinition(deps Deps) registry.JobDefinition {
	var validatorList []registry.Validator
	if deps.RowQuerier != nil {
		validatorList = append(validatorList, &validators.RowExists{
			Field: "dataset_id", Table: "datasets", Column: "id", Querier: deps.RowQuerier,
		})
	}

	return registry.JobDefinition{
		JobType:     "hex_aggregate",
		TotalStages: 2,
		Schema: registry.ParameterSchema{Fields: []registry.FieldSpec{
			{Name: "dataset_id", Type: registry.FieldString, Required: true},
			{Name: "cells", Type: registry.FieldArray, Required: true},
			{Name: "resolution", Type: registry.FieldInt, Required: true, Min: floatPtr(0), Max: floatPtr(15)},
		}},
		Validators: validatorList,
		Plan:       planHexAggregateStage,
		Finalize:   finalizeHexAggregate,
	}
}

func planHexAggregateStage(jobID string, stage int, parameters map[string]any, stageResultsSoFar map[string]any) ([]registry.TaskSpec, error) {
	switch stage {
	case 1:
		cells, _ := parameters["cells"].([]any)
		specs := make([]registry.TaskSpec, 0, len(cells))
		for i, c := range cells {
			cell, _ := c.(string)
			specs = append(specs, registry.TaskSpec{
				TaskType:   "hex_bin",
				IndexToken: fmt.Sprintf("%d", i),
				Parameters: map[string]any{"cell": cell},
			})
		}
		return specs, nil
	case 2:
		return []registry.TaskSpec{{
			TaskType:   "hex_rollup",
			IndexToken: "0",
			Parameters: map[string]any{"bins": stageResultsSoFar},
		}}, nil
	default:
		return nil, fmt.Errorf("hex_aggregate: no planner for stage %d", stage)
	}
}

func finalizeHexAggregate(parameters map[string]any, stageResultsSoFar map[string]any) (map[string]any, error) {
	stage2, _ := stageResultsSoFar["2"].(map[string]any)
	return map[string]any{
		"dataset_id": parameters["dataset_id"],
		"rollup":     stage2["0"],
	}, nil
}
