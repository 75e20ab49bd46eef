package ids

import "testing"

func TestJobIDDeterministic(t *testing.T) {
	params := map[string]any{"bbox": []any{1.0, 2.0, 3.0, 4.0}, "zoom": 12}
	a, err := JobID("vector_ingest", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := JobID("vector_ingest", map[string]any{"zoom": 12, "bbox": []any{1.0, 2.0, 3.0, 4.0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected key-order-independent hash equality, got %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestJobIDDiffersOnParameterChange(t *testing.T) {
	a, _ := JobID("vector_ingest", map[string]any{"zoom": 12})
	b, _ := JobID("vector_ingest", map[string]any{"zoom": 13})
	if a == b {
		t.Fatalf("expected different hashes for different parameters")
	}
}

func TestJobIDDiffersOnJobType(t *testing.T) {
	params := map[string]any{"zoom": 12}
	a, _ := JobID("vector_ingest", params)
	b, _ := JobID("raster_cog_convert", params)
	if a == b {
		t.Fatalf("expected different hashes for different job types")
	}
}

func TestTaskIDFormat(t *testing.T) {
	jobID, _ := JobID("vector_ingest", map[string]any{"zoom": 12})
	taskID, err := TaskID(jobID, 2, "tile-04-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := jobID[:12] + "-s2-tile-04-12"
	if taskID != want {
		t.Fatalf("expected %q, got %q", want, taskID)
	}
}

func TestTaskIDRejectsBadIndexToken(t *testing.T) {
	jobID, _ := JobID("vector_ingest", map[string]any{"zoom": 12})
	if _, err := TaskID(jobID, 1, "tile/04:12"); err == nil {
		t.Fatalf("expected rejection of index token with invalid characters")
	}
}

func TestTaskIDRejectsShortJobID(t *testing.T) {
	if _, err := TaskID("short", 1, "a"); err == nil {
		t.Fatalf("expected rejection of too-short job id")
	}
}

func TestTaskIDRejectsNonPositiveStage(t *testing.T) {
	jobID, _ := JobID("vector_ingest", map[string]any{"zoom": 12})
	if _, err := TaskID(jobID, 0, "a"); err == nil {
		t.Fatalf("expected rejection of stage 0")
	}
}
