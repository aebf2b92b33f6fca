package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crisp.org/internal/feed"
	"crisp.org/internal/intel"
	"crisp.org/internal/progress"
	"crisp.org/internal/stix"
	"crisp.org/internal/trust"
	"crisp.org/internal/trust/eval"
)

type fixture struct {
	api     *API
	feeds   *intel.MemoryFeeds
	inds    *intel.MemoryIndicators
	ttps    *intel.MemoryTTPs
	trust   *trust.InMemory
	tracker *progress.Tracker
	feedID  string
}

func newFixture(t *testing.T, objects []stix.Object) *fixture {
	t.Helper()
	feeds := intel.NewMemoryFeeds()
	f := &intel.Feed{
		Name:         "apt feed",
		ServerURL:    "https://taxii.example.com",
		CollectionID: "col-1",
		Organization: "acme",
		IsActive:     true,
	}
	if err := feeds.Create(context.Background(), f); err != nil {
		t.Fatalf("create feed: %v", err)
	}

	store := progress.NewMemoryStore()
	t.Cleanup(store.Close)
	bus := progress.NewBroadcaster()
	tracker := progress.NewTracker(store, bus)
	inds := intel.NewMemoryIndicators()
	ttps := intel.NewMemoryTTPs()
	conv := stix.NewConverter("Acme CERT")
	trustStore := trust.NewInMemory()

	source := feed.SourceFunc(func(context.Context, *intel.Feed, *time.Time, int) ([]stix.Object, error) {
		return objects, nil
	})
	orch := feed.NewOrchestrator(feed.Deps{
		Feeds:      feeds,
		Indicators: inds,
		TTPs:       ttps,
		Source:     source,
		Converter:  conv,
		Tracker:    tracker,
	})

	chain := eval.NewChain().WithSecurity(nil).WithCompliance().Build()

	api := New(Config{
		Feeds:      feeds,
		Indicators: inds,
		TTPs:       ttps,
		Orch:       orch,
		Tracker:    tracker,
		Bus:        bus,
		Converter:  conv,
		Trust:      trustStore,
		Chain:      chain,
		Version:    "test",
	})
	return &fixture{
		api:     api,
		feeds:   feeds,
		inds:    inds,
		ttps:    ttps,
		trust:   trustStore,
		tracker: tracker,
		feedID:  f.ID,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	}
	return rec, payload
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t, nil)
	rec, payload := doJSON(t, fx.api.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload["service"] != "crisp-api" {
		t.Fatalf("unexpected service: %v", payload["service"])
	}
}

func TestCreateAndGetFeed(t *testing.T) {
	fx := newFixture(t, nil)
	rec, payload := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds",
		`{"name":"new feed","server_url":"https://taxii.example.com","collection_id":"col-9","password":"hunter2"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload["password"] != nil && payload["password"] != "" {
		t.Fatalf("password leaked in response: %v", payload["password"])
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("expected feed id")
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/feeds/"+id {
		t.Fatalf("unexpected location: %s", loc)
	}

	rec, payload = doJSON(t, fx.api.Handler(), http.MethodGet, "/v1/feeds/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload["name"] != "new feed" {
		t.Fatalf("unexpected name: %v", payload["name"])
	}
}

func TestCreateFeedValidation(t *testing.T) {
	fx := newFixture(t, nil)
	rec, _ := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds", `{"name":"incomplete"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestConsumeAcceptedAndCompletes(t *testing.T) {
	objects := []stix.Object{
		{
			"type":       "indicator",
			"id":         "indicator--00000000-0000-4000-8000-000000000001",
			"pattern":    "[ipv4-addr:value = '10.0.0.1']",
			"valid_from": "2025-01-01T00:00:00Z",
		},
	}
	fx := newFixture(t, objects)

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/consume", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload["status"] != "starting" {
		t.Fatalf("unexpected status field: %v", payload["status"])
	}

	// The run happens in the background; poll until the feed settles.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := fx.feeds.Find(context.Background(), fx.feedID)
		if err != nil {
			t.Fatalf("find feed: %v", err)
		}
		if f.Status == intel.StatusIdle && f.SyncCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("consumption did not finish, status=%s", f.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := fx.inds.ListByFeed(context.Background(), fx.feedID, 10)
	if err != nil {
		t.Fatalf("list indicators: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 indicator, got %d", len(got))
	}
}

func TestConsumeUnknownFeed(t *testing.T) {
	fx := newFixture(t, nil)
	rec, _ := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/nope/consume", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestConsumeConflictWhenBusy(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.feeds.BeginConsumption(context.Background(), fx.feedID, "task-x"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, _ := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/consume", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestPauseRequiresRunningFeed(t *testing.T) {
	fx := newFixture(t, nil)
	rec, _ := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/pause", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestPauseSetsSignal(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.feeds.BeginConsumption(context.Background(), fx.feedID, "task-x"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fx.feeds.MarkRunning(context.Background(), fx.feedID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	rec, _ := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/pause", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	requested, err := fx.tracker.PauseRequested(context.Background(), fx.feedID)
	if err != nil || !requested {
		t.Fatalf("pause signal missing: requested=%v err=%v", requested, err)
	}
}

func TestCancelAbandonsPausedFeed(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	if _, err := fx.feeds.BeginConsumption(ctx, fx.feedID, "task-x"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fx.feeds.MarkRunning(ctx, fx.feedID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	meta := map[string]any{"offset": 2, "run_id": "run-z", "total": 10}
	if err := fx.feeds.MarkPaused(ctx, fx.feedID, time.Now(), meta); err != nil {
		t.Fatalf("mark paused: %v", err)
	}
	ind := &intel.Indicator{
		StixID:       "indicator--00000000-0000-4000-8000-00000000abba",
		Type:         "ip",
		Value:        "10.9.9.9",
		FeedID:       fx.feedID,
		Organization: "acme",
		RunID:        "run-z",
	}
	if err := fx.inds.Create(ctx, ind); err != nil {
		t.Fatalf("seed indicator: %v", err)
	}

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/cancel?mode=cancel_job", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload["status"] != "idle" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	f, err := fx.feeds.Find(ctx, fx.feedID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if f.Status != intel.StatusIdle || f.PausedAt != nil || f.PauseMetadata != nil {
		t.Fatalf("pause state not cleared: %+v", f)
	}
	if f.SyncCount != 0 || f.LastSync != nil {
		t.Fatalf("abandoned run must not advance the watermark: %+v", f)
	}
	stored, _ := fx.inds.ListByFeed(ctx, fx.feedID, 0)
	if len(stored) != 0 {
		t.Fatalf("cancel_job must roll back the paused run, got %d records", len(stored))
	}
}

func TestCancelRejectsUnknownMode(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.feeds.BeginConsumption(context.Background(), fx.feedID, "task-x"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fx.feeds.MarkRunning(context.Background(), fx.feedID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	rec, _ := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/cancel?mode=nuke", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/feeds/"+fx.feedID+"/cancel?mode=cancel_job", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload["mode"] != "cancel_job" {
		t.Fatalf("unexpected mode: %v", payload["mode"])
	}
}

func TestFeedStatusIncludesProgress(t *testing.T) {
	fx := newFixture(t, nil)
	err := fx.tracker.Update(context.Background(), progress.Snapshot{
		FeedID:    fx.feedID,
		Status:    "running",
		Processed: 3,
		Total:     10,
	})
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodGet, "/v1/feeds/"+fx.feedID+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	prog, ok := payload["progress"].(map[string]any)
	if !ok {
		t.Fatalf("expected progress snapshot, got %v", payload)
	}
	if prog["processed"] != float64(3) || prog["total"] != float64(10) {
		t.Fatalf("unexpected progress: %v", prog)
	}
}

func seedIndicators(t *testing.T, fx *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ind := &intel.Indicator{
			StixID:       fmt.Sprintf("indicator--00000000-0000-4000-8000-%012d", i),
			Type:         "ip",
			Value:        fmt.Sprintf("10.0.0.%d", i),
			FeedID:       fx.feedID,
			Organization: "acme",
		}
		if err := fx.inds.Create(context.Background(), ind); err != nil {
			t.Fatalf("seed indicator: %v", err)
		}
	}
}

func TestExportBundleDeniedWithoutRelationship(t *testing.T) {
	fx := newFixture(t, nil)
	seedIndicators(t, fx, 2)

	rec, _ := doJSON(t, fx.api.Handler(), http.MethodGet,
		"/v1/export/bundle?feed_id="+fx.feedID+"&org=stranger", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestExportBundleOwnerGetsRawData(t *testing.T) {
	fx := newFixture(t, nil)
	seedIndicators(t, fx, 1)

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodGet,
		"/v1/export/bundle?feed_id="+fx.feedID+"&org=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload["type"] != "bundle" {
		t.Fatalf("expected bundle, got %v", payload["type"])
	}
	objects, _ := payload["objects"].([]any)
	// identity + 1 indicator
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objects))
	}
	if !strings.Contains(rec.Body.String(), "10.0.0.0") {
		t.Fatal("owner export should carry the raw value")
	}
}

func TestExportBundlePartialAnonymizes(t *testing.T) {
	fx := newFixture(t, nil)
	seedIndicators(t, fx, 1)

	// Grant "partner" partial access to acme's data.
	level := &trust.TrustLevel{
		Name:                 "partner",
		Level:                "trusted",
		NumericalValue:       60,
		DefaultAnonymization: "partial",
		DefaultAccess:        trust.AccessRead,
		IsActive:             true,
	}
	if err := fx.trust.Levels().Create(context.Background(), level); err != nil {
		t.Fatalf("create level: %v", err)
	}
	rel := &trust.TrustRelationship{
		SourceOrg:        "partner",
		TargetOrg:        "acme",
		TrustLevelID:     level.ID,
		Status:           trust.StatusPending,
		ApprovedBySource: true,
		ApprovedByTarget: true,
		ValidFrom:        time.Now().UTC().Add(-time.Hour),
		Anonymization:    "partial",
		Access:           trust.AccessRead,
	}
	rel.Activate()
	if err := fx.trust.Relationships().Create(context.Background(), rel); err != nil {
		t.Fatalf("create relationship: %v", err)
	}

	rec, _ := doJSON(t, fx.api.Handler(), http.MethodGet,
		"/v1/export/bundle?feed_id="+fx.feedID+"&org=partner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, "10.0.0.0") {
		t.Fatal("partner export must not carry the raw value")
	}
	if !strings.Contains(body, "10.0.x.x") {
		t.Fatalf("expected partially anonymized value in body: %s", body)
	}
}

func TestAuthRequiredRejectsMissingToken(t *testing.T) {
	fx := newFixture(t, nil)
	fx.api.cfg.RequireAuth = true

	rec, _ := doJSON(t, fx.api.Handler(), http.MethodGet, "/v1/feeds", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	// Health stays public.
	rec, _ = doJSON(t, fx.api.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestTrustLevelLifecycle(t *testing.T) {
	fx := newFixture(t, nil)

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/trust/levels",
		`{"name":"gold","level":"trusted","numerical_value":80,"default_anonymization_level":"minimal","default_access_level":"read"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("expected level id")
	}

	rec, _ = doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/trust/levels/"+id+"/default", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	def, err := fx.trust.Levels().SystemDefault(context.Background())
	if err != nil {
		t.Fatalf("system default: %v", err)
	}
	if def.ID != id {
		t.Fatalf("expected %s as default, got %s", id, def.ID)
	}

	rec, _ = doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/trust/levels",
		`{"name":"broken","numerical_value":400}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestGroupMemberRequiresAdministrator(t *testing.T) {
	fx := newFixture(t, nil)

	rec, payload := doJSON(t, fx.api.Handler(), http.MethodPost, "/v1/trust/groups?org=acme",
		`{"name":"isac","is_public":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	groupID, _ := payload["id"].(string)

	// acme was auto-added as administrator, outsiders cannot add members.
	rec, _ = doJSON(t, fx.api.Handler(), http.MethodPost,
		"/v1/trust/groups/"+groupID+"/members?org=stranger",
		`{"organization":"mallory"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	rec, _ = doJSON(t, fx.api.Handler(), http.MethodPost,
		"/v1/trust/groups/"+groupID+"/members?org=acme",
		`{"organization":"partner","membership_type":"member"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRevealOriginalRequiresAdminAccess(t *testing.T) {
	fx := newFixture(t, nil)
	ind := &intel.Indicator{
		StixID:       "indicator--00000000-0000-4000-8000-000000000009",
		Type:         "ip",
		Value:        "10.0.x.x",
		IsAnonymized: true,
		OriginalData: "10.0.0.9",
		FeedID:       fx.feedID,
		Organization: "acme",
	}
	if err := fx.inds.Create(context.Background(), ind); err != nil {
		t.Fatalf("create indicator: %v", err)
	}

	path := "/v1/intel/original?stix_id=" + ind.StixID

	// Owner sees the raw value.
	rec, payload := doJSON(t, fx.api.Handler(), http.MethodGet, path+"&org=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload["value"] != "10.0.0.9" {
		t.Fatalf("expected raw value, got %v", payload["value"])
	}

	// A read-level partner does not.
	level := &trust.TrustLevel{
		Name:                 "reader",
		NumericalValue:       50,
		DefaultAnonymization: "partial",
		DefaultAccess:        trust.AccessRead,
		IsActive:             true,
	}
	if err := fx.trust.Levels().Create(context.Background(), level); err != nil {
		t.Fatalf("create level: %v", err)
	}
	rel := &trust.TrustRelationship{
		SourceOrg:        "partner",
		TargetOrg:        "acme",
		TrustLevelID:     level.ID,
		ApprovedBySource: true,
		ApprovedByTarget: true,
		ValidFrom:        time.Now().UTC().Add(-time.Hour),
		Anonymization:    "partial",
		Access:           trust.AccessRead,
	}
	rel.Status = trust.StatusActive
	if err := fx.trust.Relationships().Create(context.Background(), rel); err != nil {
		t.Fatalf("create relationship: %v", err)
	}
	rec, _ = doJSON(t, fx.api.Handler(), http.MethodGet, path+"&org=partner", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	// Upgrading the relationship to admin access unlocks it.
	rel.Access = trust.AccessAdmin
	if err := fx.trust.Relationships().Update(context.Background(), rel); err != nil {
		t.Fatalf("update relationship: %v", err)
	}
	rec, payload = doJSON(t, fx.api.Handler(), http.MethodGet, path+"&org=partner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if payload["value"] != "10.0.0.9" {
		t.Fatalf("expected raw value, got %v", payload["value"])
	}
}

func TestRequestIDEchoed(t *testing.T) {
	fx := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "rid-42")
	rec := httptest.NewRecorder()
	fx.api.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "rid-42" {
		t.Fatalf("unexpected request id: %q", got)
	}
}
