// Package store defines the persistence contract for ATT&CK entities, CVE
// records, and submitted infrastructure descriptions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/filter"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
)

var (
	// ErrNotFound indicates a lookup by identifier matched nothing.
	ErrNotFound = errors.New("entity not found")
	// ErrUnavailable indicates the backing store could not serve the request.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidID indicates a malformed identifier.
	ErrInvalidID = errors.New("invalid identifier")
)

// NotFound builds an ErrNotFound error naming the entity kind and id.
func NotFound(kind mitre.Kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// Unavailable wraps a backend failure as ErrUnavailable while keeping the
// underlying cause visible to errors.Is/As.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// GroupQuery selects groups. String fields are case-insensitive substring
// matches; expressions follow the filter grammar.
type GroupQuery struct {
	MID        string
	Desc       string
	Techniques filter.Expression
	Labels     filter.Expression
	Sectors    filter.Expression
	Countries  filter.Expression
}

// TechniqueQuery selects techniques. Platforms is an any-of list.
type TechniqueQuery struct {
	MID       string
	Desc      string
	Platforms []string
	Labels    filter.Expression
	Tactics   filter.Expression
}

// TacticQuery selects tactics.
type TacticQuery struct {
	MID        string
	Techniques filter.Expression
}

// MalwareQuery selects software entries.
type MalwareQuery struct {
	MID       string
	Name      string
	Labels    filter.Expression
	Platforms filter.Expression
}

// CVEQuery selects CVE records. Keywords matches the description.
type CVEQuery struct {
	ID        string
	Keywords  string
	BaseScore *filter.Numeric
}

// EntityStore answers read queries over the knowledge base. Find methods
// return results ordered by identifier; Get methods return ErrNotFound when
// nothing matches.
type EntityStore interface {
	FindGroups(ctx context.Context, q GroupQuery) ([]mitre.Group, error)
	GetGroup(ctx context.Context, mid string) (*mitre.Group, error)
	FindTechniques(ctx context.Context, q TechniqueQuery) ([]mitre.Technique, error)
	GetTechnique(ctx context.Context, mid string) (*mitre.Technique, error)
	FindTactics(ctx context.Context, q TacticQuery) ([]mitre.Tactic, error)
	FindMalware(ctx context.Context, q MalwareQuery) ([]mitre.Malware, error)
	FindCVEs(ctx context.Context, q CVEQuery) ([]cve.Record, error)
	GetCVE(ctx context.Context, id string) (*cve.Record, error)
}

// Writer replaces or extends the knowledge base, typically during seeding.
type Writer interface {
	Reset(ctx context.Context) error
	PutGroups(ctx context.Context, groups []mitre.Group) error
	PutTechniques(ctx context.Context, techniques []mitre.Technique) error
	PutTactics(ctx context.Context, tactics []mitre.Tactic) error
	PutMalware(ctx context.Context, malware []mitre.Malware) error
	PutCVEs(ctx context.Context, records []cve.Record) error
}

// StoredInput is a submitted infrastructure description.
type StoredInput struct {
	ID   string          `json:"id"`
	Type infra.DataType  `json:"type"`
	Data infra.InputData `json:"data"`
}

// InputStore persists infrastructure descriptions between upload and analysis.
type InputStore interface {
	SaveInput(ctx context.Context, dt infra.DataType, data infra.InputData) (string, error)
	GetInput(ctx context.Context, id string) (*StoredInput, error)
	DeleteInput(ctx context.Context, id string) error
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
