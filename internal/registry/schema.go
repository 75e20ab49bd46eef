package registry

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/geoflow/orchestrator/internal/errdomain"
)

// LoadSchemaYAML decodes a ParameterSchema from YAML, the way
// bartekus-stagecraft decodes provider configs: unmarshal into a
// yaml-tagged struct, then hand back a typed value to the caller.
func LoadSchemaYAML(data []byte) (ParameterSchema, error) {
	var s ParameterSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return ParameterSchema{}, fmt.Errorf("registry: decode parameter schema: %w", err)
	}
	return s, nil
}

// Validate applies each field's declared default (spec.md §89) for any
// parameter the caller omitted, mutating parameters in place so the
// filled-in values flow into the job id hash and the planner the same
// as caller-supplied ones, then checks the (now defaulted) parameters
// against the schema, collecting every violation rather than stopping
// at the first (spec.md §4.2 step 1 requires the caller see all issues
// at once, not a one-at-a-time round trip).
func (s ParameterSchema) Validate(jobType string, parameters map[string]any) error {
	var issues []errdomain.FieldIssue

	for _, f := range s.Fields {
		v, present := parameters[f.Name]
		if !present && f.Default != nil {
			parameters[f.Name] = f.Default
			v, present = f.Default, true
		}
		if !present {
			if f.Required {
				issues = append(issues, errdomain.FieldIssue{Field: f.Name, Reason: "required field missing"})
			}
			continue
		}
		if reason := checkType(v, f.Type); reason != "" {
			issues = append(issues, errdomain.FieldIssue{Field: f.Name, Reason: reason})
			continue
		}
		if reason := checkBounds(v, f); reason != "" {
			issues = append(issues, errdomain.FieldIssue{Field: f.Name, Reason: reason})
			continue
		}
		if reason := checkRegex(v, f); reason != "" {
			issues = append(issues, errdomain.FieldIssue{Field: f.Name, Reason: reason})
		}
	}

	if len(issues) > 0 {
		return &errdomain.ValidationError{JobType: jobType, Issues: issues}
	}
	return nil
}

func checkType(v any, t FieldType) string {
	switch t {
	case FieldString:
		if _, ok := v.(string); !ok {
			return "expected string"
		}
	case FieldInt:
		switch v.(type) {
		case int, int64, float64:
		default:
			return "expected int"
		}
	case FieldFloat:
		switch v.(type) {
		case float64, int, int64:
		default:
			return "expected float"
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return "expected bool"
		}
	case FieldArray:
		if _, ok := v.([]any); !ok {
			return "expected array"
		}
	case FieldObject:
		if _, ok := v.(map[string]any); !ok {
			return "expected object"
		}
	}
	return ""
}

func checkBounds(v any, f FieldSpec) string {
	if f.Type == FieldString && len(f.AllowedValues) > 0 {
		s, _ := v.(string)
		for _, allowed := range f.AllowedValues {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %v", f.AllowedValues)
	}

	if f.Min == nil && f.Max == nil {
		return ""
	}
	num, ok := asFloat(v)
	if !ok {
		return ""
	}
	if f.Min != nil && num < *f.Min {
		return fmt.Sprintf("must be >= %v", *f.Min)
	}
	if f.Max != nil && num > *f.Max {
		return fmt.Sprintf("must be <= %v", *f.Max)
	}
	return ""
}

// checkRegex applies f.Regex (spec.md §89) to string-typed fields only;
// non-string fields and fields with no pattern declared are untouched.
func checkRegex(v any, f FieldSpec) string {
	if f.Regex == "" || f.Type != FieldString {
		return ""
	}
	re, err := regexp.Compile(f.Regex)
	if err != nil {
		return fmt.Sprintf("field has invalid regex pattern %q: %v", f.Regex, err)
	}
	s, _ := v.(string)
	if !re.MatchString(s) {
		return fmt.Sprintf("must match pattern %q", f.Regex)
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
