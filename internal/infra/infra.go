// Package infra converts infrastructure descriptions into the common
// InputData consumed by correlation.
package infra

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput indicates the submitted document could not be parsed.
	ErrInvalidInput = errors.New("invalid infrastructure input")
	// ErrUnsupportedType indicates a known data type without a parser.
	ErrUnsupportedType = errors.New("unsupported data type")
)

// DataType names a supported infrastructure description format.
type DataType string

const (
	Custom    DataType = "custom"
	Terraform DataType = "terraform"
	SaltStack DataType = "saltstack"
)

// DataTypes lists every known format in presentation order.
func DataTypes() []DataType {
	return []DataType{Custom, Terraform, SaltStack}
}

// ParseDataType resolves a case-insensitive format name.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DataTypes() {
		if dt == known {
			return dt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

// InputData is the normalized description of an infrastructure.
type InputData struct {
	Countries        []string `json:"countries" yaml:"countries"`
	Sectors          []string `json:"sectors" yaml:"sectors"`
	OperatingSystems []string `json:"operating_systems" yaml:"operating_systems"`
	Software         []string `json:"software" yaml:"software"`
}

// IsEmpty reports whether no field carries a value.
func (d InputData) IsEmpty() bool {
	return len(d.Countries) == 0 && len(d.Sectors) == 0 &&
		len(d.OperatingSystems) == 0 && len(d.Software) == 0
}

// Parse dispatches raw document bytes to the parser for dt.
func Parse(dt DataType, data []byte) (*InputData, error) {
	switch dt {
	case Custom:
		return ParseCustom(data)
	case Terraform:
		return ParseTerraform(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
}
