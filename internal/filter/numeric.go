package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a numeric comparison.
type Operator string

const (
	OpGreater Operator = "$gt"
	OpLess    Operator = "$lt"
	OpEqual   Operator = "$eq"
)

// Numeric is a single comparison against a numeric field, such as a CVE
// base score.
type Numeric struct {
	Op    Operator `json:"op"`
	Value float64  `json:"value"`
}

// ParseNumeric reads an optional leading '>' or '<' followed by a number.
// Without a prefix the comparison is equality. A value that does not parse
// is treated as 0.
func ParseNumeric(raw string) Numeric {
	s := strings.TrimSpace(raw)
	n := Numeric{Op: OpEqual}
	switch {
	case strings.HasPrefix(s, ">"):
		n.Op = OpGreater
		s = s[1:]
	case strings.HasPrefix(s, "<"):
		n.Op = OpLess
		s = s[1:]
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		n.Value = v
	}
	return n
}

// Matches reports whether v satisfies the comparison.
func (n Numeric) Matches(v float64) bool {
	switch n.Op {
	case OpGreater:
		return v > n.Value
	case OpLess:
		return v < n.Value
	default:
		return v == n.Value
	}
}

// SQLOperator returns the SQL comparison operator for the constraint.
func (n Numeric) SQLOperator() string {
	switch n.Op {
	case OpGreater:
		return ">"
	case OpLess:
		return "<"
	default:
		return "="
	}
}

func (n Numeric) String() string {
	return fmt.Sprintf("%s %g", n.Op, n.Value)
}
