package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

type entityRow struct {
	mid         string
	name        string
	description string
	doc         any
	tags        map[string]tagset.Set
}

func (s *Store) putEntities(ctx context.Context, kind mitre.Kind, rows []entityRow) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			mid := mitre.NormalizeMID(row.mid)
			data, err := json.Marshal(row.doc)
			if err != nil {
				return fmt.Errorf("failed to encode %s %s: %w", kind, mid, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entity_tags WHERE kind = ? AND mid = ?`, string(kind), mid); err != nil {
				return wrapErr("clear tags", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO entities (kind, mid, name, description, data)
				VALUES (?, ?, ?, ?, ?)`,
				string(kind), mid, row.name, row.description, string(data),
			); err != nil {
				return wrapErr("insert entity", err)
			}
			for field, set := range row.tags {
				for tag := range set {
					if _, err := tx.ExecContext(ctx, `
						INSERT OR IGNORE INTO entity_tags (kind, mid, field, tag)
						VALUES (?, ?, ?, ?)`,
						string(kind), mid, field, tag,
					); err != nil {
						return wrapErr("insert tag", err)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Stored entities", zap.String("kind", string(kind)), zap.Int("count", len(rows)))
	return nil
}

func (s *Store) findDocs(ctx context.Context, kind mitre.Kind, w *whereBuilder) ([][]byte, error) {
	query := `SELECT e.data FROM entities e WHERE e.kind = ?` + w.sql() + ` ORDER BY e.mid`
	args := append([]any{string(kind)}, w.args...)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("find %s", kind), err)
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrapErr(fmt.Sprintf("scan %s", kind), err)
		}
		docs = append(docs, data)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(fmt.Sprintf("find %s", kind), err)
	}
	return docs, nil
}

func (s *Store) getDoc(ctx context.Context, kind mitre.Kind, mid string) ([]byte, error) {
	var data []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE kind = ? AND mid = ?`,
		string(kind), mitre.NormalizeMID(mid),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(kind, mid)
	}
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get %s %s", kind, mid), err)
	}
	return data, nil
}

func decodeAll[T any](kind mitre.Kind, docs [][]byte) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, data := range docs {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Reset drops all entities and CVE records. Submitted inputs are kept.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM entity_tags`,
			`DELETE FROM entities`,
			`DELETE FROM cves`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return wrapErr("reset", err)
			}
		}
		return nil
	})
}

func (s *Store) PutGroups(ctx context.Context, groups []mitre.Group) error {
	rows := make([]entityRow, len(groups))
	for i, g := range groups {
		g.MID = mitre.NormalizeMID(g.MID)
		rows[i] = entityRow{
			mid: g.MID, name: g.Name, description: g.Description, doc: g,
			tags: map[string]tagset.Set{
				"labels":     g.Labels,
				"techniques": g.Techniques,
				"sectors":    g.Sectors,
				"countries":  g.Countries,
			},
		}
	}
	return s.putEntities(ctx, mitre.KindGroup, rows)
}

func (s *Store) PutTechniques(ctx context.Context, techniques []mitre.Technique) error {
	rows := make([]entityRow, len(techniques))
	for i, t := range techniques {
		t.MID = mitre.NormalizeMID(t.MID)
		rows[i] = entityRow{
			mid: t.MID, name: t.Name, description: t.Description, doc: t,
			tags: map[string]tagset.Set{
				"labels":       t.Labels,
				"tactics":      t.Tactics,
				"platforms":    t.Platforms,
				"data_sources": t.DataSources,
			},
		}
	}
	return s.putEntities(ctx, mitre.KindTechnique, rows)
}

func (s *Store) PutTactics(ctx context.Context, tactics []mitre.Tactic) error {
	rows := make([]entityRow, len(tactics))
	for i, t := range tactics {
		t.MID = mitre.NormalizeMID(t.MID)
		rows[i] = entityRow{
			mid: t.MID, name: t.Name, description: t.Description, doc: t,
			tags: map[string]tagset.Set{"technique_refs": t.TechniqueRefs},
		}
	}
	return s.putEntities(ctx, mitre.KindTactic, rows)
}

func (s *Store) PutMalware(ctx context.Context, malware []mitre.Malware) error {
	rows := make([]entityRow, len(malware))
	for i, m := range malware {
		m.MID = mitre.NormalizeMID(m.MID)
		rows[i] = entityRow{
			mid: m.MID, name: m.Name, description: m.Description, doc: m,
			tags: map[string]tagset.Set{
				"labels":    m.Labels,
				"platforms": m.Platforms,
			},
		}
	}
	return s.putEntities(ctx, mitre.KindMalware, rows)
}

// FindGroups returns the groups matching q.
func (s *Store) FindGroups(ctx context.Context, q store.GroupQuery) ([]mitre.Group, error) {
	w := &whereBuilder{}
	w.contains("e.mid", q.MID)
	w.contains("e.description", q.Desc)
	w.tags(mitre.KindGroup, "techniques", q.Techniques)
	w.tags(mitre.KindGroup, "labels", q.Labels)
	w.tags(mitre.KindGroup, "sectors", q.Sectors)
	w.tags(mitre.KindGroup, "countries", q.Countries)

	docs, err := s.findDocs(ctx, mitre.KindGroup, w)
	if err != nil {
		return nil, err
	}
	return decodeAll[mitre.Group](mitre.KindGroup, docs)
}

// GetGroup returns a group by mid.
func (s *Store) GetGroup(ctx context.Context, mid string) (*mitre.Group, error) {
	data, err := s.getDoc(ctx, mitre.KindGroup, mid)
	if err != nil {
		return nil, err
	}
	var g mitre.Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode group %s: %w", mid, err)
	}
	return &g, nil
}

// FindTechniques returns the techniques matching q.
func (s *Store) FindTechniques(ctx context.Context, q store.TechniqueQuery) ([]mitre.Technique, error) {
	w := &whereBuilder{}
	w.contains("e.mid", q.MID)
	w.contains("e.description", q.Desc)
	w.anyTag(mitre.KindTechnique, "platforms", q.Platforms)
	w.tags(mitre.KindTechnique, "labels", q.Labels)
	w.tags(mitre.KindTechnique, "tactics", q.Tactics)

	docs, err := s.findDocs(ctx, mitre.KindTechnique, w)
	if err != nil {
		return nil, err
	}
	return decodeAll[mitre.Technique](mitre.KindTechnique, docs)
}

// GetTechnique returns a technique by mid.
func (s *Store) GetTechnique(ctx context.Context, mid string) (*mitre.Technique, error) {
	data, err := s.getDoc(ctx, mitre.KindTechnique, mid)
	if err != nil {
		return nil, err
	}
	var t mitre.Technique
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode technique %s: %w", mid, err)
	}
	return &t, nil
}

// FindTactics returns the tactics matching q.
func (s *Store) FindTactics(ctx context.Context, q store.TacticQuery) ([]mitre.Tactic, error) {
	w := &whereBuilder{}
	w.contains("e.mid", q.MID)
	w.tags(mitre.KindTactic, "technique_refs", q.Techniques)

	docs, err := s.findDocs(ctx, mitre.KindTactic, w)
	if err != nil {
		return nil, err
	}
	return decodeAll[mitre.Tactic](mitre.KindTactic, docs)
}

// FindMalware returns the software entries matching q.
func (s *Store) FindMalware(ctx context.Context, q store.MalwareQuery) ([]mitre.Malware, error) {
	w := &whereBuilder{}
	w.contains("e.mid", q.MID)
	w.contains("e.name", q.Name)
	w.tags(mitre.KindMalware, "labels", q.Labels)
	w.tags(mitre.KindMalware, "platforms", q.Platforms)

	docs, err := s.findDocs(ctx, mitre.KindMalware, w)
	if err != nil {
		return nil, err
	}
	return decodeAll[mitre.Malware](mitre.KindMalware, docs)
}

// PutCVEs inserts or replaces CVE records.
func (s *Store) PutCVEs(ctx context.Context, records []cve.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO cves
				(cve_id, published, last_modified, description, cvss_score, cvss_severity, cvss_vector)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				cve.NormalizeID(r.ID),
				r.Published.UTC().Format(time.RFC3339Nano),
				r.LastModified.UTC().Format(time.RFC3339Nano),
				r.Description, r.BaseScore, r.Severity, r.Vector,
			); err != nil {
				return wrapErr("insert cve", err)
			}
		}
		return nil
	})
}

const cveColumns = `cve_id, published, last_modified, description, cvss_score, cvss_severity, cvss_vector`

// FindCVEs returns the CVE records matching q, ordered by id.
func (s *Store) FindCVEs(ctx context.Context, q store.CVEQuery) ([]cve.Record, error) {
	w := &whereBuilder{}
	w.contains("cve_id", q.ID)
	w.contains("description", q.Keywords)
	if q.BaseScore != nil {
		w.add("cvss_score "+q.BaseScore.SQLOperator()+" ?", q.BaseScore.Value)
	}

	query := `SELECT ` + cveColumns + ` FROM cves WHERE 1 = 1` + w.sql() + ` ORDER BY cve_id`
	rows, err := s.conn.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, wrapErr("find cves", err)
	}
	defer rows.Close()

	out := make([]cve.Record, 0)
	for rows.Next() {
		r, err := scanCVE(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("find cves", err)
	}
	return out, nil
}

// GetCVE returns a CVE record by id.
func (s *Store) GetCVE(ctx context.Context, id string) (*cve.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+cveColumns+` FROM cves WHERE cve_id = ?`, cve.NormalizeID(id))
	r, err := scanCVE(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("cve", id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCVE(sc scanner) (*cve.Record, error) {
	var r cve.Record
	var published, modified, severity, vector sql.NullString
	if err := sc.Scan(&r.ID, &published, &modified, &r.Description, &r.BaseScore, &severity, &vector); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, wrapErr("scan cve", err)
	}
	r.Severity = severity.String
	r.Vector = vector.String
	r.Published = parseTime(published.String)
	r.LastModified = parseTime(modified.String)
	return &r, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveInput stores an infrastructure description under a new id.
func (s *Store) SaveInput(ctx context.Context, dt infra.DataType, data infra.InputData) (string, error) {
	doc, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode input: %w", err)
	}
	id := store.NewInputID()
	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO inputs (id, data_type, data, created_at) VALUES (?, ?, ?, ?)`,
		id, string(dt), string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return "", wrapErr("save input", err)
	}
	return id, nil
}

// GetInput returns a stored description.
func (s *Store) GetInput(ctx context.Context, id string) (*store.StoredInput, error) {
	key, err := store.ParseInputID(id)
	if err != nil {
		return nil, err
	}
	var dt string
	var doc []byte
	err = s.conn.QueryRowContext(ctx,
		`SELECT data_type, data FROM inputs WHERE id = ?`, key).Scan(&dt, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("input", id)
	}
	if err != nil {
		return nil, wrapErr("get input", err)
	}
	in := &store.StoredInput{ID: key, Type: infra.DataType(dt)}
	if err := json.Unmarshal(doc, &in.Data); err != nil {
		return nil, fmt.Errorf("failed to decode input %s: %w", key, err)
	}
	return in, nil
}

// DeleteInput removes a stored description.
func (s *Store) DeleteInput(ctx context.Context, id string) error {
	key, err := store.ParseInputID(id)
	if err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx, `DELETE FROM inputs WHERE id = ?`, key)
	if err != nil {
		return wrapErr("delete input", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound("input", id)
	}
	return nil
}
