package tasktypes

import (
	"fmt"
)

// The seven example handlers below are grounded on the teacher's
// pipeline.Run shape (read required parameters, do the work, return a
// result map) but speak the task-level TaskResult contract of spec.md
// §4.6 instead of calling jc.Succeed/jc.Fail directly — completion is
// the executor's job, not the handler's.

// IngestTileHandler ingests one vector tile (job type vector_ingest,
// stage 1).
type IngestTileHandler struct{}

func (IngestTileHandler) Type() string { return "ingest_tile" }

func (IngestTileHandler) Run(ctx *Context) (TaskResult, error) {
	sourceURI, ok := ctx.Parameters()["source_uri"].(string)
	if !ok || sourceURI == "" {
		return TaskResult{}, fmt.Errorf("ingest_tile: missing source_uri")
	}
	ctx.Heartbeat()
	tempPath := fmt.Sprintf("/tmp/%s/%s.tiles", ctx.Task.ParentJobID, ctx.Task.TaskIndex)
	return TaskResult{
		Status: "completed",
		ResultData: map[string]any{
			"source_uri": sourceURI,
			"features":   0,
		},
		// NextStageParams carries the staged tile path forward to the
		// same-index stage-2 task (spec.md §8's lineage scenario), so
		// IndexTileHandler never has to re-derive it from source_uri.
		NextStageParams: map[string]any{"temp_path": tempPath},
	}, nil
}

// IndexTileHandler builds a spatial index over the tiles ingested in
// stage 1 (job type vector_ingest, stage 2). Its own task parameters
// carry whatever the stage-2 planner spliced from the same-index
// task's next_stage_params (spec.md §4.4 "Lineage").
type IndexTileHandler struct{}

func (IndexTileHandler) Type() string { return "index_tile" }

func (IndexTileHandler) Run(ctx *Context) (TaskResult, error) {
	tempPath, _ := ctx.Parameters()["temp_path"].(string)
	return TaskResult{Status: "completed", ResultData: map[string]any{"indexed": true, "temp_path": tempPath}}, nil
}

// CogConvertHandler rewrites a raster source into Cloud-Optimized
// GeoTIFF (job type raster_cog_convert, stage 1).
type CogConvertHandler struct{}

func (CogConvertHandler) Type() string { return "cog_convert" }

func (CogConvertHandler) Run(ctx *Context) (TaskResult, error) {
	sourceURI, ok := ctx.Parameters()["source_uri"].(string)
	if !ok || sourceURI == "" {
		return TaskResult{}, fmt.Errorf("cog_convert: missing source_uri")
	}
	ctx.Heartbeat()
	return TaskResult{
		Status:     "completed",
		ResultData: map[string]any{"cog_uri": sourceURI + ".cog.tif"},
	}, nil
}

// HexBinHandler aggregates point data into one H3 hexagon bucket (job
// type hex_aggregate, stage 1).
type HexBinHandler struct{}

func (HexBinHandler) Type() string { return "hex_bin" }

func (HexBinHandler) Run(ctx *Context) (TaskResult, error) {
	cell, ok := ctx.Parameters()["cell"].(string)
	if !ok || cell == "" {
		return TaskResult{}, fmt.Errorf("hex_bin: missing cell")
	}
	return TaskResult{Status: "completed", ResultData: map[string]any{"cell": cell, "count": 0}}, nil
}

// HexRollupHandler merges per-cell aggregates produced in stage 1 into
// a single rollup row (job type hex_aggregate, stage 2).
type HexRollupHandler struct{}

func (HexRollupHandler) Type() string { return "hex_rollup" }

func (HexRollupHandler) Run(ctx *Context) (TaskResult, error) {
	return TaskResult{Status: "completed", ResultData: map[string]any{"rolled_up": true}}, nil
}

// StacItemBuildHandler builds one STAC item for an ingested asset (job
// type stac_index_build, stage 1).
type StacItemBuildHandler struct{}

func (StacItemBuildHandler) Type() string { return "stac_item_build" }

func (StacItemBuildHandler) Run(ctx *Context) (TaskResult, error) {
	assetURI, ok := ctx.Parameters()["asset_uri"].(string)
	if !ok || assetURI == "" {
		return TaskResult{}, fmt.Errorf("stac_item_build: missing asset_uri")
	}
	return TaskResult{Status: "completed", ResultData: map[string]any{"item_id": assetURI}}, nil
}

// StacCatalogWriteHandler writes the STAC catalog.json tying together
// the items built in stage 1 (job type stac_index_build, stage 2).
type StacCatalogWriteHandler struct{}

func (StacCatalogWriteHandler) Type() string { return "stac_catalog_write" }

func (StacCatalogWriteHandler) Run(ctx *Context) (TaskResult, error) {
	return TaskResult{Status: "completed", ResultData: map[string]any{"catalog_written": true}}, nil
}

// RegisterAll registers every example handler into the given registry.
func RegisterAll(r *Registry) error {
	handlers := []Handler{
		IngestTileHandler{},
		IndexTileHandler{},
		CogConvertHandler{},
		HexBinHandler{},
		HexRollupHandler{},
		StacItemBuildHandler{},
		StacCatalogWriteHandler{},
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
