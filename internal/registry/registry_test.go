package registry

import "testing"

func testDef() JobDefinition {
	return JobDefinition{
		JobType:     "vector_ingest",
		TotalStages: 2,
		Schema: ParameterSchema{Fields: []FieldSpec{
			{Name: "source_uri", Type: FieldString, Required: true},
		}},
		Plan: func(jobID string, stage int, parameters map[string]any, prior map[string]any) ([]TaskSpec, error) {
			return []TaskSpec{{TaskType: "ingest_tile", IndexToken: "0"}}, nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDef()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def, ok := r.Get("vector_ingest")
	if !ok {
		t.Fatalf("expected job type to be found")
	}
	if def.TotalStages != 2 {
		t.Fatalf("expected 2 stages, got %d", def.TotalStages)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDef()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(testDef()); err == nil {
		t.Fatalf("expected error registering duplicate job type")
	}
}

func TestRegisterRejectsMissingPlanner(t *testing.T) {
	r := NewRegistry()
	def := testDef()
	def.Plan = nil
	if err := r.Register(def); err == nil {
		t.Fatalf("expected error registering definition with no planner")
	}
}

func TestGetUnknownJobType(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("does_not_exist"); ok {
		t.Fatalf("expected not-found for unregistered job type")
	}
}

func TestSchemaValidateRequired(t *testing.T) {
	s := ParameterSchema{Fields: []FieldSpec{{Name: "zoom", Type: FieldInt, Required: true}}}
	if err := s.Validate("vector_ingest", map[string]any{}); err == nil {
		t.Fatalf("expected validation error for missing required field")
	}
}

func TestSchemaValidateType(t *testing.T) {
	s := ParameterSchema{Fields: []FieldSpec{{Name: "zoom", Type: FieldInt, Required: true}}}
	if err := s.Validate("vector_ingest", map[string]any{"zoom": "twelve"}); err == nil {
		t.Fatalf("expected validation error for wrong type")
	}
}

func TestSchemaValidateBounds(t *testing.T) {
	min := 0.0
	max := 22.0
	s := ParameterSchema{Fields: []FieldSpec{{Name: "zoom", Type: FieldInt, Required: true, Min: &min, Max: &max}}}
	if err := s.Validate("vector_ingest", map[string]any{"zoom": 99}); err == nil {
		t.Fatalf("expected validation error for out-of-bounds value")
	}
	if err := s.Validate("vector_ingest", map[string]any{"zoom": 12}); err != nil {
		t.Fatalf("unexpected error for in-bounds value: %v", err)
	}
}

func TestSchemaValidateEnum(t *testing.T) {
	s := ParameterSchema{Fields: []FieldSpec{{Name: "format", Type: FieldString, Required: true, AllowedValues: []string{"geojson", "mvt"}}}}
	if err := s.Validate("vector_ingest", map[string]any{"format": "shp"}); err == nil {
		t.Fatalf("expected validation error for value outside enum")
	}
}

func TestSchemaValidateAppliesDefault(t *testing.T) {
	s := ParameterSchema{Fields: []FieldSpec{{Name: "resampling", Type: FieldString, Default: "nearest"}}}
	params := map[string]any{}
	if err := s.Validate("raster_cog_convert", params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["resampling"] != "nearest" {
		t.Fatalf("expected default to be substituted into parameters, got %v", params["resampling"])
	}
}

func TestSchemaValidateRegex(t *testing.T) {
	s := ParameterSchema{Fields: []FieldSpec{{Name: "source_uri", Type: FieldString, Required: true, Regex: `^s3://`}}}
	if err := s.Validate("vector_ingest", map[string]any{"source_uri": "gs://bucket/key"}); err == nil {
		t.Fatalf("expected validation error for value not matching regex")
	}
	if err := s.Validate("vector_ingest", map[string]any{"source_uri": "s3://bucket/key"}); err != nil {
		t.Fatalf("unexpected error for regex-matching value: %v", err)
	}
}

func TestLoadSchemaYAML(t *testing.T) {
	yamlDoc := []byte(`
fields:
  - name: source_uri
    type: string
    required: true
  - name: zoom
    type: int
    required: false
`)
	s, err := LoadSchemaYAML(yamlDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(s.Fields))
	}
}
