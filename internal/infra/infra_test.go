package infra

import (
	"errors"
	"reflect"
	"testing"
)

// =============================================================================
// Custom YAML
// =============================================================================

// TestParseCustom verifies all four fields are read.
func TestParseCustom(t *testing.T) {
	doc := []byte(`
countries: [germany, france]
sectors:
  - finance
operating_systems: [windows]
software: [Wordpress, nginx]
`)
	in, err := ParseCustom(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &InputData{
		Countries:        []string{"germany", "france"},
		Sectors:          []string{"finance"},
		OperatingSystems: []string{"windows"},
		Software:         []string{"Wordpress", "nginx"},
	}
	if !reflect.DeepEqual(in, want) {
		t.Errorf("expected %+v, got %+v", want, in)
	}
}

// TestParseCustomErrors verifies malformed documents are rejected.
func TestParseCustomErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "   "},
		{"not yaml", "countries: [unterminated"},
		{"unknown key", "countries: [x]\nplanets: [mars]\n"},
		{"wrong shape", "countries: germany\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCustom([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

// =============================================================================
// Terraform state
// =============================================================================

const terraformFixture = `{
  "format_version": "1.0",
  "values": {
    "outputs": {
      "countries": {"value": ["germany"], "sensitive": false},
      "sectors": {"value": ["energy", "finance"], "sensitive": false},
      "region": {"value": "eu-central-1", "sensitive": false}
    },
    "root_module": {
      "resources": [
        {"address": "aws_instance.wordpress", "type": "aws_instance", "name": "wordpress"},
        {"address": "aws_db_instance.mysql", "type": "aws_db_instance", "name": "mysql"}
      ],
      "child_modules": [
        {"address": "module.cache", "resources": [
          {"address": "module.cache.aws_elasticache_cluster.redis", "type": "aws_elasticache_cluster", "name": "redis"}
        ]}
      ]
    }
  }
}`

// TestParseTerraform verifies outputs and resource names are mapped.
func TestParseTerraform(t *testing.T) {
	in, err := ParseTerraform([]byte(terraformFixture))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(in.Countries, []string{"germany"}) {
		t.Errorf("unexpected countries %v", in.Countries)
	}
	if !reflect.DeepEqual(in.Sectors, []string{"energy", "finance"}) {
		t.Errorf("unexpected sectors %v", in.Sectors)
	}
	if !reflect.DeepEqual(in.Software, []string{"wordpress", "mysql", "redis"}) {
		t.Errorf("unexpected software %v", in.Software)
	}
	if len(in.OperatingSystems) != 0 {
		t.Errorf("expected no operating systems, got %v", in.OperatingSystems)
	}
}

// TestParseTerraformErrors verifies malformed state is rejected.
func TestParseTerraformErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "{"},
		{"no values", `{"format_version": "1.0"}`},
		{"countries not a list", `{"values": {"outputs": {"countries": {"value": "germany"}}, "root_module": {}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTerraform([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

// TestParseDispatch verifies data type resolution and the unsupported path.
func TestParseDispatch(t *testing.T) {
	dt, err := ParseDataType("Terraform")
	if err != nil || dt != Terraform {
		t.Fatalf("expected terraform, got %q (%v)", dt, err)
	}
	if _, err := ParseDataType("ansible"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
	if _, err := Parse(SaltStack, []byte("x")); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected saltstack to be unsupported, got %v", err)
	}
	if len(DataTypes()) != 3 {
		t.Errorf("expected 3 data types, got %d", len(DataTypes()))
	}
}
