package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/analysis"
	"github.com/lvonguyen/ctiengine/internal/api/gateway"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/store/memory"
	"github.com/lvonguyen/ctiengine/internal/store/storetest"
)

const customYAML = `countries: [Germany]
sectors: [Finance]
operating_systems: [Windows]
software: [WordPress, nginx]
`

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *memory.Store) {
	t.Helper()
	s := memory.New(zap.NewNop())
	storetest.Seed(t, s)

	engine := analysis.NewEngine(s, analysis.DefaultConfig(), zap.NewNop())
	srv := httptest.NewServer(NewServer(s, s, engine, zap.NewNop(), opts...).Routes())
	t.Cleanup(srv.Close)
	return srv, s
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func upload(t *testing.T, url, field, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "infra.yaml")
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func mids[T any](items []T, mid func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, mid(it))
	}
	return out
}

type entity struct {
	MID string `json:"mid"`
	ID  string `json:"id"`
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, WithVersion("1.2.3"))

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "1.2.3", health["version"])

	var ready map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/ready", &ready))
	assert.Equal(t, "ready", ready["status"])
}

func TestQueryRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	byMID := func(e entity) string { return e.MID }
	byID := func(e entity) string { return e.ID }

	tests := []struct {
		name string
		path string
		key  func(entity) string
		want []string
	}{
		{"techniques label expression", "/techniques?labels=windows%2B!linux,aws", byMID, []string{"T1001", "T1003"}},
		{"plus decodes to space", "/techniques?labels=windows+!linux,aws", byMID, []string{"T1001", "T1003"}},
		{"techniques platforms any-of", "/techniques?platforms=linux,iaas", byMID, []string{"T1002", "T1003"}},
		{"techniques by tactic", "/techniques?tactics=persistence", byMID, []string{"T1002"}},
		{"groups by sector and country", "/groups?sectors=finance&countries=germany", byMID, []string{"G0001"}},
		{"groups by negated technique", "/groups?techs=!t1001", byMID, []string{"G0003"}},
		{"groups by description", "/groups?desc=BANKS", byMID, []string{"G0001"}},
		{"tactics by technique", "/tactics?techs=t1002", byMID, []string{"TA0002", "TA0003"}},
		{"malware by platform", "/malware?platforms=linux", byMID, []string{"S0002"}},
		{"malformed filter matches all", "/malware?labels=!", byMID, []string{"S0001", "S0002"}},
		{"cves by keyword", "/cves?keywords=wordpress", byID, []string{"CVE-2024-0001", "CVE-2024-0003"}},
		{"cves by score", "/cves?base_score=%3E7", byID, []string{"CVE-2024-0002", "CVE-2024-0003"}},
		{"cves lenient score", "/cves?base_score=abc", byID, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []entity
			require.Equal(t, http.StatusOK, getJSON(t, srv.URL+tt.path, &got))
			assert.Equal(t, tt.want, mids(got, tt.key))
		})
	}
}

func TestGetByID(t *testing.T) {
	srv, _ := newTestServer(t)

	var got entity
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/techniques/t1002", &got))
	assert.Equal(t, "T1002", got.MID)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/groups/G0002", &got))
	assert.Equal(t, "G0002", got.MID)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/cves/cve-2024-0002", &got))
	assert.Equal(t, "CVE-2024-0002", got.ID)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/groups/G9999", &errBody))
	assert.Contains(t, errBody["error"], "not found")
}

func TestTagListings(t *testing.T) {
	srv, _ := newTestServer(t)

	var countries, sectors []string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/countries", &countries))
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sectors", &sectors))
	assert.Equal(t, []string{"france", "germany"}, countries)
	assert.Equal(t, []string{"energy", "finance"}, sectors)

	var types []string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/file", &types))
	assert.Equal(t, []string{"custom", "terraform", "saltstack"}, types)
}

func TestUploadAnalyzeDelete(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := upload(t, srv.URL+"/file/custom", UploadField, customYAML)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"]
	require.NotEmpty(t, id)

	var in infra.InputData
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/file/"+id, &in))
	assert.Equal(t, []string{"WordPress", "nginx"}, in.Software)

	var report analysis.Report
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/analyze/"+id, &report))
	assert.Equal(t, []string{"G0001", "G0003"}, mids(report.Groups.Sectors["finance"], func(g mitre.Group) string { return g.MID }))
	assert.Len(t, report.Groups.Countries["germany"], 1)
	require.NotEmpty(t, report.Techniques)
	assert.Len(t, report.CVEs["WordPress"], 2)
	assert.Len(t, report.CVEs["nginx"], 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/file/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/analyze/"+id, nil))
}

func TestUploadErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name  string
		path  string
		field string
		body  string
	}{
		{"invalid yaml", "/file/custom", UploadField, "countries: [unterminated"},
		{"unknown yaml field", "/file/custom", UploadField, "regions: [emea]\n"},
		{"invalid terraform", "/file/terraform", UploadField, "not json"},
		{"wrong field name", "/file/custom", "upload", customYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, srv.URL+tt.path, tt.field, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/file/not-a-uuid", nil))
}

type stubAnalyzer struct{ err error }

func (s stubAnalyzer) Analyze(ctx context.Context, in infra.InputData) (*analysis.Report, error) {
	return nil, s.err
}

func TestAnalyzeErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", fmt.Errorf("%w: %w", analysis.ErrTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unavailable", store.Unavailable("find groups", errors.New("disk I/O error")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New(nil)
			id, err := s.SaveInput(context.Background(), infra.Custom, infra.InputData{Sectors: []string{"finance"}})
			require.NoError(t, err)

			srv := httptest.NewServer(NewServer(s, s, stubAnalyzer{err: tt.err}, nil).Routes())
			defer srv.Close()

			var body map[string]string
			assert.Equal(t, tt.want, getJSON(t, srv.URL+"/analyze/"+id, &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	rl := gateway.NewRateLimiter(nil, gateway.RateLimitConfig{
		Tiers: map[string]gateway.TierLimits{"free": {RequestsPerSecond: 1, RequestsPerMinute: 1, BurstSize: 1}},
	}, nil, nil)
	srv, s := newTestServer(t, WithRateLimiter(rl, gateway.TierFromHeader("free")))

	id, err := s.SaveInput(context.Background(), infra.Custom, infra.InputData{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/analyze/"+id, nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, srv.URL+"/analyze/"+id, nil))

	// query routes are not limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/groups", nil))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tel, err := observability.New(observability.Config{
		ServiceName:    "ctiengine-test",
		LogLevel:       "error",
		MetricsEnabled: true,
	})
	require.NoError(t, err)

	srv, _ := newTestServer(t, WithTelemetry(tel))
	getJSON(t, srv.URL+"/groups/G0001", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `path="/groups/{id}"`)
}
