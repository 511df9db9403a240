// Package storetest holds a behavioural suite shared by every store
// implementation so that in-memory evaluation and native query translation
// stay equivalent.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/filter"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// Store is the full surface exercised by the suite.
type Store interface {
	store.EntityStore
	store.Writer
	store.InputStore
}

// Fixture returns a small knowledge base used by the suite and by other
// packages' tests.
func Fixture() ([]mitre.Group, []mitre.Technique, []mitre.Tactic, []mitre.Malware, []cve.Record) {
	groups := []mitre.Group{
		{
			MID: "G0001", Name: "Alpha", Description: "Targets banks in Europe.",
			Aliases: []string{"A-Team"}, Labels: tagset.New("banking"),
			Techniques: tagset.New("T1001", "T1002"), Sectors: tagset.New("finance"), Countries: tagset.New("germany"),
		},
		{
			MID: "G0002", Name: "Bravo", Description: "Energy sector espionage.",
			Labels: tagset.New("espionage"), Techniques: tagset.New("T1001"),
			Sectors: tagset.New("energy"), Countries: tagset.New("france"),
		},
		{
			MID: "G0003", Name: "Charlie", Description: "Opportunistic.",
			Labels: tagset.New(), Techniques: tagset.New("T1003"),
			Sectors: tagset.New("finance", "energy"), Countries: tagset.New(),
		},
	}
	techniques := []mitre.Technique{
		{
			MID: "T1001", Name: "One", Description: "Runs on Windows hosts.",
			Labels: tagset.New("windows"), Tactics: tagset.New("execution"),
			Platforms: tagset.New("windows"), DataSources: tagset.New(),
		},
		{
			MID: "T1002", Name: "Two", Description: "Cross platform.",
			Labels: tagset.New("windows", "linux"), Tactics: tagset.New("execution", "persistence"),
			Platforms: tagset.New("windows", "linux"), DataSources: tagset.New(),
		},
		{
			MID: "T1003", Name: "Three", Description: "Cloud technique.",
			Labels: tagset.New("aws"), Tactics: tagset.New("initial-access"),
			Platforms: tagset.New("iaas"), DataSources: tagset.New(),
		},
	}
	tactics := []mitre.Tactic{
		{MID: "TA0001", Name: "Initial Access", ShortName: "initial-access", TechniqueRefs: tagset.New("T1003")},
		{MID: "TA0002", Name: "Execution", ShortName: "execution", TechniqueRefs: tagset.New("T1001", "T1002")},
		{MID: "TA0003", Name: "Persistence", ShortName: "persistence", TechniqueRefs: tagset.New("T1002")},
	}
	malware := []mitre.Malware{
		{MID: "S0001", Name: "Gadget", Labels: tagset.New("rat"), Platforms: tagset.New("windows")},
		{MID: "S0002", Name: "Widget", Labels: tagset.New("loader"), Platforms: tagset.New("linux")},
	}
	published := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cves := []cve.Record{
		{ID: "CVE-2024-0001", Description: "XSS in WordPress plugin.", BaseScore: 6.1, Severity: "MEDIUM", Published: published, LastModified: published},
		{ID: "CVE-2024-0002", Description: "RCE in nginx module.", BaseScore: 9.8, Severity: "CRITICAL", Published: published, LastModified: published},
		{ID: "CVE-2024-0003", Description: "wordpress auth bypass.", BaseScore: 7.5, Severity: "HIGH", Published: published, LastModified: published},
	}
	return groups, techniques, tactics, malware, cves
}

// Seed writes the fixture into s.
func Seed(t *testing.T, s store.Writer) {
	t.Helper()
	ctx := context.Background()
	groups, techniques, tactics, malware, cves := Fixture()
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.PutGroups(ctx, groups))
	require.NoError(t, s.PutTechniques(ctx, techniques))
	require.NoError(t, s.PutTactics(ctx, tactics))
	require.NoError(t, s.PutMalware(ctx, malware))
	require.NoError(t, s.PutCVEs(ctx, cves))
}

// Run executes the suite against a freshly constructed store per subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("FindTechniquesByLabelExpression", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindTechniques(ctx, store.TechniqueQuery{Labels: filter.Compile("windows+!linux,aws")})
		require.NoError(t, err)
		assert.Equal(t, []string{"T1001", "T1003"}, techniqueMIDs(got))
	})

	t.Run("SubstringMatchFoldsUnicode", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)
		require.NoError(t, s.PutMalware(ctx, []mitre.Malware{
			{MID: "S0099", Name: "Ünïcode Loader", Labels: tagset.New(), Platforms: tagset.New()},
		}))
		require.NoError(t, s.PutGroups(ctx, []mitre.Group{{
			MID: "G0099", Name: "Delta", Description: "Spionage gegen ÄMTER.",
			Labels: tagset.New(), Techniques: tagset.New(), Sectors: tagset.New(), Countries: tagset.New(),
		}}))

		mw, err := s.FindMalware(ctx, store.MalwareQuery{Name: "üNÏCODE"})
		require.NoError(t, err)
		require.Len(t, mw, 1)
		assert.Equal(t, "S0099", mw[0].MID)

		groups, err := s.FindGroups(ctx, store.GroupQuery{Desc: "ämter"})
		require.NoError(t, err)
		assert.Equal(t, []string{"G0099"}, groupMIDs(groups))
	})

	t.Run("EmptyExpressionMatchesAll", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindTechniques(ctx, store.TechniqueQuery{})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("FindTechniquesByPlatformAnyOf", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindTechniques(ctx, store.TechniqueQuery{Platforms: []string{"Linux", "IaaS"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"T1002", "T1003"}, techniqueMIDs(got))
	})

	t.Run("FindTechniquesByTacticAndDesc", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindTechniques(ctx, store.TechniqueQuery{
			Tactics: filter.Compile("execution"),
			Desc:    "WINDOWS",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"T1001"}, techniqueMIDs(got))
	})

	t.Run("FindGroupsBySectorAndCountry", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindGroups(ctx, store.GroupQuery{Sectors: filter.Compile("finance")})
		require.NoError(t, err)
		assert.Equal(t, []string{"G0001", "G0003"}, groupMIDs(got))

		got, err = s.FindGroups(ctx, store.GroupQuery{
			Sectors:   filter.Compile("finance"),
			Countries: filter.Compile("!germany"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"G0003"}, groupMIDs(got))
	})

	t.Run("FindGroupsByTechniqueRefs", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindGroups(ctx, store.GroupQuery{Techniques: filter.Compile("T1001+!T1002")})
		require.NoError(t, err)
		assert.Equal(t, []string{"G0002"}, groupMIDs(got))
	})

	t.Run("GroupTagsRoundTrip", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		g, err := s.GetGroup(ctx, "g0001")
		require.NoError(t, err)
		assert.Equal(t, "Alpha", g.Name)
		assert.Equal(t, []string{"t1001", "t1002"}, g.Techniques.Sorted())
		assert.Equal(t, []string{"A-Team"}, g.Aliases)
		assert.True(t, g.Sectors.Has("finance"))
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		_, err := s.GetTechnique(ctx, "T9999")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetGroup(ctx, "G9999")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetCVE(ctx, "CVE-1999-0000")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("FindTactics", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindTactics(ctx, store.TacticQuery{Techniques: filter.Compile("T1002")})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "TA0002", got[0].MID)
		assert.Equal(t, "TA0003", got[1].MID)

		got, err = s.FindTactics(ctx, store.TacticQuery{MID: "ta0001"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "initial-access", got[0].ShortName)
	})

	t.Run("FindMalware", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindMalware(ctx, store.MalwareQuery{Platforms: filter.Compile("windows,linux"), Labels: filter.Compile("!loader")})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Gadget", got[0].Name)

		got, err = s.FindMalware(ctx, store.MalwareQuery{Name: "widg"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "S0002", got[0].MID)
	})

	t.Run("FindCVEsByKeywordAndScore", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		got, err := s.FindCVEs(ctx, store.CVEQuery{Keywords: "WordPress"})
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2024-0001", "CVE-2024-0003"}, cveIDs(got))

		score := filter.ParseNumeric(">7")
		got, err = s.FindCVEs(ctx, store.CVEQuery{BaseScore: &score})
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2024-0002", "CVE-2024-0003"}, cveIDs(got))

		score = filter.ParseNumeric("6.1")
		got, err = s.FindCVEs(ctx, store.CVEQuery{Keywords: "wordpress", BaseScore: &score})
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2024-0001"}, cveIDs(got))
	})

	t.Run("GetCVE", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)

		r, err := s.GetCVE(ctx, "cve-2024-0002")
		require.NoError(t, err)
		assert.Equal(t, 9.8, r.BaseScore)
		assert.True(t, r.Published.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	})

	t.Run("InputLifecycle", func(t *testing.T) {
		s := newStore(t)
		data := infra.InputData{
			Countries: []string{"germany"}, Sectors: []string{"finance"},
			OperatingSystems: []string{"windows"}, Software: []string{"wordpress"},
		}

		id, err := s.SaveInput(ctx, infra.Custom, data)
		require.NoError(t, err)

		in, err := s.GetInput(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, infra.Custom, in.Type)
		assert.Equal(t, data, in.Data)

		require.NoError(t, s.DeleteInput(ctx, id))
		_, err = s.GetInput(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.DeleteInput(ctx, id), store.ErrNotFound)

		_, err = s.GetInput(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, store.ErrInvalidID)
	})

	t.Run("ResetKeepsNothing", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s)
		require.NoError(t, s.Reset(ctx))

		got, err := s.FindGroups(ctx, store.GroupQuery{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func techniqueMIDs(ts []mitre.Technique) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.MID
	}
	return out
}

func groupMIDs(gs []mitre.Group) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.MID
	}
	return out
}

func cveIDs(rs []cve.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
