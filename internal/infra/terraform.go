package infra

import (
	"encoding/json"
	"fmt"
)

// terraformState is the subset of `terraform show -json` output we read.
type terraformState struct {
	FormatVersion string `json:"format_version"`
	Values        *struct {
		Outputs    map[string]terraformOutput `json:"outputs"`
		RootModule terraformModule            `json:"root_module"`
	} `json:"values"`
}

type terraformOutput struct {
	Value     json.RawMessage `json:"value"`
	Sensitive bool            `json:"sensitive"`
}

type terraformModule struct {
	Address      string              `json:"address"`
	Resources    []terraformResource `json:"resources"`
	ChildModules []terraformModule   `json:"child_modules"`
}

type terraformResource struct {
	Address string `json:"address"`
	Type    string `json:"type"`
	Name    string `json:"name"`
}

// ParseTerraform reads a Terraform state document. The "countries" and
// "sectors" outputs populate the matching fields, and every managed resource
// name (including those in child modules) becomes a software entry.
func ParseTerraform(data []byte) (*InputData, error) {
	var state terraformState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if state.Values == nil {
		return nil, fmt.Errorf("%w: state has no values", ErrInvalidInput)
	}

	in := &InputData{
		Countries:        []string{},
		Sectors:          []string{},
		OperatingSystems: []string{},
		Software:         []string{},
	}

	for name, out := range state.Values.Outputs {
		var target *[]string
		switch name {
		case "countries":
			target = &in.Countries
		case "sectors":
			target = &in.Sectors
		default:
			continue
		}
		var values []string
		if err := json.Unmarshal(out.Value, &values); err != nil {
			return nil, fmt.Errorf("%w: output %q must be a list of strings", ErrInvalidInput, name)
		}
		*target = values
	}

	collectResources(state.Values.RootModule, &in.Software)
	return in, nil
}

func collectResources(m terraformModule, software *[]string) {
	for _, r := range m.Resources {
		if r.Name != "" {
			*software = append(*software, r.Name)
		}
	}
	for _, child := range m.ChildModules {
		collectResources(child, software)
	}
}
