package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/store/memory"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

type fixture struct {
	groups     []mitre.Group
	techniques []mitre.Technique
	cves       []cve.Record
}

func newStore(t *testing.T, f fixture) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New(zap.NewNop())
	require.NoError(t, s.PutGroups(ctx, f.groups))
	require.NoError(t, s.PutTechniques(ctx, f.techniques))
	require.NoError(t, s.PutCVEs(ctx, f.cves))
	return s
}

func group(mid string, techniques []string, sectors ...string) mitre.Group {
	return mitre.Group{
		MID:        mid,
		Name:       "group " + mid,
		Techniques: tagset.New(techniques...),
		Sectors:    tagset.New(sectors...),
		Countries:  tagset.New(),
		Labels:     tagset.New(),
	}
}

func technique(mid string, labels, tactics, platforms []string) mitre.Technique {
	return mitre.Technique{
		MID:       mid,
		Name:      "technique " + mid,
		Labels:    tagset.New(labels...),
		Tactics:   tagset.New(tactics...),
		Platforms: tagset.New(platforms...),
	}
}

func TestRankingOrdersByCount(t *testing.T) {
	s := newStore(t, fixture{
		groups: []mitre.Group{
			group("G1", []string{"T1", "T2"}, "finance"),
			group("G2", []string{"T1"}, "finance"),
		},
		techniques: []mitre.Technique{
			technique("T1", nil, []string{"execution"}, nil),
			technique("T2", nil, []string{"execution"}, nil),
		},
	})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{Sectors: []string{"Finance"}})
	require.NoError(t, err)

	require.Len(t, report.Techniques, 2)
	assert.Equal(t, "T1", report.Techniques[0].Technique.MID)
	assert.Equal(t, 2, report.Techniques[0].Count)
	assert.Equal(t, "T2", report.Techniques[1].Technique.MID)
	assert.Equal(t, 1, report.Techniques[1].Count)

	assert.Len(t, report.Groups.Sectors["finance"], 2)
}

func TestRankingTieBreaksByMID(t *testing.T) {
	s := newStore(t, fixture{
		groups: []mitre.Group{group("G1", []string{"T3", "T1", "T2"}, "energy")},
		techniques: []mitre.Technique{
			technique("T3", nil, nil, nil),
			technique("T1", nil, nil, nil),
			technique("T2", nil, nil, nil),
		},
	})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{Sectors: []string{"energy"}})
	require.NoError(t, err)

	var mids []string
	for _, tc := range report.Techniques {
		mids = append(mids, tc.Technique.MID)
	}
	assert.Equal(t, []string{"T1", "T2", "T3"}, mids)
}

func TestTacticFanOut(t *testing.T) {
	s := newStore(t, fixture{
		groups: []mitre.Group{
			group("G1", []string{"T1", "T2"}, "retail"),
			group("G2", []string{"T2"}, "retail"),
		},
		techniques: []mitre.Technique{
			technique("T1", nil, []string{"impact", "persistence"}, nil),
			technique("T2", nil, []string{"impact"}, nil),
		},
	})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{Sectors: []string{"retail"}})
	require.NoError(t, err)

	require.Len(t, report.Tactics["impact"], 2)
	assert.Equal(t, "T2", report.Tactics["impact"][0].MID, "ranked order is kept inside a tactic")
	assert.Equal(t, "T1", report.Tactics["impact"][1].MID)
	require.Len(t, report.Tactics["persistence"], 1)
	assert.Equal(t, "T1", report.Tactics["persistence"][0].MID)
}

func TestKeywordMatchDirection(t *testing.T) {
	s := newStore(t, fixture{
		groups: []mitre.Group{
			group("G1", []string{"T1"}),
			group("G2", []string{"T2"}),
		},
		techniques: []mitre.Technique{
			technique("T1", []string{"cms"}, nil, nil),
			technique("T2", []string{"press", "wordpress-plugins"}, nil, nil),
		},
	})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{Software: []string{"Wordpress"}})
	require.NoError(t, err)

	assert.NotContains(t, report.Groups.Keywords, "cms")
	assert.NotContains(t, report.Groups.Keywords, "wordpress-plugins", "software must contain the label, not the reverse")
	require.Len(t, report.Groups.Keywords["press"], 1)
	assert.Equal(t, "G2", report.Groups.Keywords["press"][0].MID)

	require.Len(t, report.Techniques, 1)
	assert.Equal(t, "T2", report.Techniques[0].Technique.MID)
}

func TestKeywordGroupsRecordedOncePerLabel(t *testing.T) {
	s := newStore(t, fixture{
		groups: []mitre.Group{group("G1", []string{"T1", "T2"})},
		techniques: []mitre.Technique{
			technique("T1", []string{"nginx"}, nil, nil),
			technique("T2", []string{"nginx"}, nil, nil),
		},
	})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{Software: []string{"nginx", "NGINX Plus"}})
	require.NoError(t, err)
	assert.Len(t, report.Groups.Keywords["nginx"], 1)
}

func TestMissingTechniqueIsSkipped(t *testing.T) {
	s := newStore(t, fixture{
		groups:     []mitre.Group{group("G1", []string{"T1", "T404"}, "health")},
		techniques: []mitre.Technique{technique("T1", []string{"sql"}, []string{"discovery"}, nil)},
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	engine := NewEngine(s, Config{}, zap.NewNop(), WithMetrics(metrics))
	report, err := engine.Analyze(context.Background(), infra.InputData{
		Sectors:  []string{"health"},
		Software: []string{"mysql"},
	})
	require.NoError(t, err)

	require.Len(t, report.Techniques, 1)
	assert.Equal(t, "T1", report.Techniques[0].Technique.MID)
	assert.Len(t, report.Groups.Keywords["sql"], 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SkippedEntities.WithLabelValues("technique")),
		"a missing technique is looked up and counted once")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("success")))
}

func TestCVECorrelation(t *testing.T) {
	s := newStore(t, fixture{
		cves: []cve.Record{
			{ID: "CVE-2024-0001", Description: "XSS in WordPress core", BaseScore: 6.1},
			{ID: "CVE-2024-0002", Description: "nginx resolver overflow", BaseScore: 9.8},
			{ID: "CVE-2024-0003", Description: "wordpress plugin SQL injection", BaseScore: 7.5},
		},
	})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{
		Software: []string{"WordPress", "nginx", "wordpress", " ", "apache"},
	})
	require.NoError(t, err)

	assert.Len(t, report.CVEs, 3)
	assert.Len(t, report.CVEs["WordPress"], 2)
	assert.Len(t, report.CVEs["nginx"], 1)
	assert.NotNil(t, report.CVEs["apache"])
	assert.Empty(t, report.CVEs["apache"])
	assert.Empty(t, report.Groups.Groups(), "CVE correlation runs without any group match")
}

func TestEmptyInputReportShape(t *testing.T) {
	s := newStore(t, fixture{groups: []mitre.Group{group("G1", []string{"T1"}, "finance")}})

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{})
	require.NoError(t, err)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"groups": {"countries": {}, "sectors": {}, "keywords": {}},
		"techniques": [],
		"tactics": {},
		"cves": {},
		"procedures": [],
		"mitigations": []
	}`, string(data))
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	f := fixture{
		groups: []mitre.Group{
			group("G3", []string{"T1", "T2", "T3"}, "finance"),
			group("G1", []string{"T2", "T3"}, "finance"),
			group("G2", []string{"T3", "T4"}, "energy"),
		},
		techniques: []mitre.Technique{
			technique("T1", []string{"java"}, []string{"execution", "impact"}, []string{"linux"}),
			technique("T2", []string{"php"}, []string{"execution"}, []string{"windows"}),
			technique("T3", []string{"sql"}, []string{"collection"}, []string{"linux"}),
			technique("T4", nil, []string{"impact"}, nil),
		},
	}
	in := infra.InputData{
		Sectors:          []string{"finance", "energy"},
		Software:         []string{"javascript", "mysql"},
		OperatingSystems: []string{"Linux", "windows"},
	}

	engine := NewEngine(newStore(t, f), Config{Concurrency: 4}, nil)
	first, err := engine.Analyze(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := engine.Analyze(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
}

// faultyStore wraps a store and injects failures into technique lookups
// and group listing.
type faultyStore struct {
	store.EntityStore
	techniqueErr error
	blockGroups  bool
}

func (f *faultyStore) GetTechnique(ctx context.Context, mid string) (*mitre.Technique, error) {
	if f.techniqueErr != nil {
		return nil, f.techniqueErr
	}
	return f.EntityStore.GetTechnique(ctx, mid)
}

func (f *faultyStore) FindGroups(ctx context.Context, q store.GroupQuery) ([]mitre.Group, error) {
	if f.blockGroups {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.EntityStore.FindGroups(ctx, q)
}

func TestStoreFailureAborts(t *testing.T) {
	inner := newStore(t, fixture{
		groups:     []mitre.Group{group("G1", []string{"T1"}, "finance")},
		techniques: []mitre.Technique{technique("T1", nil, nil, nil)},
	})
	s := &faultyStore{
		EntityStore:  inner,
		techniqueErr: store.Unavailable("get technique", errors.New("connection refused")),
	}

	report, err := NewEngine(s, Config{}, nil).Analyze(context.Background(), infra.InputData{Sectors: []string{"finance"}})
	assert.Nil(t, report)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "technique T1")
}

func TestTimeout(t *testing.T) {
	s := &faultyStore{EntityStore: newStore(t, fixture{}), blockGroups: true}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	engine := NewEngine(s, Config{Timeout: 20 * time.Millisecond}, nil, WithMetrics(metrics))
	report, err := engine.Analyze(context.Background(), infra.InputData{Sectors: []string{"finance"}})

	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AnalysesTotal.WithLabelValues("timeout")))
}

func TestCanceledIsNotTimeout(t *testing.T) {
	s := &faultyStore{EntityStore: newStore(t, fixture{}), blockGroups: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(s, Config{}, nil).Analyze(ctx, infra.InputData{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPlatformStageIsInformational(t *testing.T) {
	s := newStore(t, fixture{
		techniques: []mitre.Technique{
			technique("T1", nil, nil, []string{"windows"}),
			technique("T2", nil, nil, []string{"windows", "linux"}),
			technique("T3", nil, nil, []string{"macos"}),
		},
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	report, err := NewEngine(s, Config{}, nil, WithMetrics(metrics)).Analyze(context.Background(), infra.InputData{
		OperatingSystems: []string{"Windows", "linux", "WINDOWS"},
	})
	require.NoError(t, err)

	assert.Empty(t, report.Techniques)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.PlatformMatches))
}

func TestGroupResultGroups(t *testing.T) {
	r := newReport().Groups
	g1, g2 := group("G1", nil), group("G2", nil)
	r.Sectors["finance"] = []mitre.Group{g2, g1}
	r.Countries["norway"] = []mitre.Group{g1}
	r.Keywords["php"] = []mitre.Group{g2}

	groups := r.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "G1", groups[0].MID)
	assert.Equal(t, "G2", groups[1].MID)
}
