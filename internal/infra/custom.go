package infra

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseCustom reads the native YAML description:
//
//	countries: [germany]
//	sectors: [finance]
//	operating_systems: [windows]
//	software: [wordpress, nginx]
//
// Unknown keys are rejected so that typos do not silently drop data.
func ParseCustom(data []byte) (*InputData, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}

	var in InputData
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &in, nil
}
