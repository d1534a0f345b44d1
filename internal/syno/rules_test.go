package syno

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synoproxy/synoproxy/internal/logging"
)

// fakeRulesDSM scripts the reverse-proxy API plus the liveness probe, so
// a RuleClient with a persisted session can run end to end against it.
type fakeRulesDSM struct {
	mu           sync.Mutex
	entries      []Rule
	getSupported bool

	createdEntries []Rule
	updatedEntries []Rule
	deletedUUIDs   []string
	seenSIDs       []string
}

func (f *fakeRulesDSM) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		f.seenSIDs = append(f.seenSIDs, q.Get("_sid"))
		f.mu.Unlock()

		switch q.Get("api") {
		case "SYNO.Core.System":
			writeSuccess(w, map[string]any{"model": "DS920+"})
		case "SYNO.Core.AppPortal.ReverseProxy":
			f.handleRules(t, w, r, q.Get("method"))
		default:
			writeFailure(w, 101, "unknown api")
		}
	}
}

func (f *fakeRulesDSM) handleRules(t *testing.T, w http.ResponseWriter, r *http.Request, method string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "list":
		writeSuccess(w, map[string]any{"entries": f.entries})
	case "get":
		if !f.getSupported {
			writeFailure(w, 101, "unknown method")
			return
		}
		q := r.URL.Query()
		id := q.Get("id")
		if id == "" {
			id = q.Get("uuid")
		}
		if id == "" {
			id = q.Get("UUID")
		}
		for _, e := range f.entries {
			if strings.EqualFold(e.ID(), id) {
				writeSuccess(w, map[string]any{"entry": e})
				return
			}
		}
		writeFailure(w, 102, "no such entry")
	case "create", "update":
		r.ParseForm()
		var entry Rule
		if err := json.Unmarshal([]byte(r.PostFormValue("entry")), &entry); err != nil {
			t.Errorf("entry field is not JSON: %v", err)
			writeFailure(w, 120, "bad entry")
			return
		}
		if method == "create" {
			f.createdEntries = append(f.createdEntries, entry)
		} else {
			f.updatedEntries = append(f.updatedEntries, entry)
		}
		writeSuccess(w, nil)
	case "delete":
		r.ParseForm()
		var uuids []string
		if err := json.Unmarshal([]byte(r.PostFormValue("uuids")), &uuids); err != nil {
			t.Errorf("uuids field is not a JSON array: %v", err)
			writeFailure(w, 120, "bad uuids")
			return
		}
		f.deletedUUIDs = append(f.deletedUUIDs, uuids...)
		writeSuccess(w, nil)
	default:
		writeFailure(w, 101, "unknown method")
	}
}

func newTestRuleClient(t *testing.T, dsm *fakeRulesDSM) *RuleClient {
	t.Helper()
	srv := httptest.NewServer(dsm.handler(t))
	t.Cleanup(srv.Close)

	mgr, store, clk := newTestManager(t, srv.URL)
	store.SaveJSON(&Session{SID: "sid-live", SynoToken: "tok-live", ExpiresAt: clk.Now().Add(time.Hour)})

	return NewRuleClient(NewClient(srv.URL), mgr, logging.Default())
}

const (
	uuidA = "11111111-2222-3333-4444-555555555555"
	uuidB = "66666666-7777-8888-9999-aaaaaaaaaaaa"
)

func TestRuleClientList(t *testing.T) {
	dsm := &fakeRulesDSM{entries: []Rule{
		{"UUID": uuidA, "description": "first"},
		{"UUID": uuidB, "description": "second"},
	}}
	rc := newTestRuleClient(t, dsm)

	list, err := rc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}

	dsm.mu.Lock()
	defer dsm.mu.Unlock()
	for _, sid := range dsm.seenSIDs {
		if sid != "sid-live" {
			t.Errorf("request carried _sid %q", sid)
		}
	}
}

func TestRuleClientListEmpty(t *testing.T) {
	rc := newTestRuleClient(t, &fakeRulesDSM{})

	list, err := rc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("list = %#v, want empty non-nil slice", list)
	}
}

func TestRuleClientGetDirect(t *testing.T) {
	dsm := &fakeRulesDSM{
		getSupported: true,
		entries:      []Rule{{"UUID": uuidA, "description": "first"}},
	}
	rc := newTestRuleClient(t, dsm)

	rule, err := rc.Get(context.Background(), uuidA)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rule["description"] != "first" {
		t.Errorf("rule = %+v", rule)
	}
}

func TestRuleClientGetFallsBackToListScan(t *testing.T) {
	// Firmware without a get method: the client scans the list, matching
	// the UUID case-insensitively.
	dsm := &fakeRulesDSM{
		getSupported: false,
		entries:      []Rule{{"uuid": strings.ToUpper(uuidA), "description": "first"}},
	}
	rc := newTestRuleClient(t, dsm)

	rule, err := rc.Get(context.Background(), uuidA)
	if err != nil {
		t.Fatalf("Get via scan: %v", err)
	}
	if rule["description"] != "first" {
		t.Errorf("rule = %+v", rule)
	}
}

func TestRuleClientGetNotFound(t *testing.T) {
	rc := newTestRuleClient(t, &fakeRulesDSM{})

	_, err := rc.Get(context.Background(), uuidA)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRuleClientCreate(t *testing.T) {
	dsm := &fakeRulesDSM{}
	rc := newTestRuleClient(t, dsm)

	err := rc.Create(context.Background(), Rule{"description": "new rule"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(dsm.createdEntries) != 1 || dsm.createdEntries[0]["description"] != "new rule" {
		t.Errorf("created = %+v", dsm.createdEntries)
	}
}

func TestRuleClientUpdateRecoversKey(t *testing.T) {
	dsm := &fakeRulesDSM{
		getSupported: true,
		entries: []Rule{
			{"UUID": uuidA, "_key": "opaque-key-7", "description": "old"},
		},
	}
	rc := newTestRuleClient(t, dsm)

	err := rc.Update(context.Background(), uuidA, Rule{"description": "updated"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(dsm.updatedEntries) != 1 {
		t.Fatalf("updates = %d", len(dsm.updatedEntries))
	}
	got := dsm.updatedEntries[0]
	if got["_key"] != "opaque-key-7" {
		t.Errorf("_key = %v, want recovered opaque key", got["_key"])
	}
	if got["UUID"] != uuidA || got["description"] != "updated" {
		t.Errorf("entry = %+v", got)
	}
}

func TestRuleClientUpdateKeyFallsBackToUUID(t *testing.T) {
	dsm := &fakeRulesDSM{
		getSupported: true,
		entries:      []Rule{{"UUID": uuidA, "description": "old"}},
	}
	rc := newTestRuleClient(t, dsm)

	if err := rc.Update(context.Background(), uuidA, Rule{"description": "updated"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := dsm.updatedEntries[0]["_key"]; got != uuidA {
		t.Errorf("_key = %v, want UUID fallback", got)
	}
}

func TestRuleClientUpdateMissingRule(t *testing.T) {
	rc := newTestRuleClient(t, &fakeRulesDSM{})

	err := rc.Update(context.Background(), uuidA, Rule{"description": "updated"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRuleClientDeleteMany(t *testing.T) {
	dsm := &fakeRulesDSM{}
	rc := newTestRuleClient(t, dsm)

	if err := rc.DeleteMany(context.Background(), []string{uuidA, uuidB}); err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if len(dsm.deletedUUIDs) != 2 {
		t.Errorf("deleted = %v", dsm.deletedUUIDs)
	}
}

func TestBuildRuleDefaults(t *testing.T) {
	rule := BuildRule(RuleParams{
		Description: "svc",
		BackendFQDN: "10.0.0.5",
		BackendPort: 3000,
		FrontendFQDN: "svc.example.com",
	})

	frontend := rule["frontend"].(map[string]any)
	if frontend["port"] != 443 {
		t.Errorf("frontend port = %v, want default 443", frontend["port"])
	}
	if _, present := frontend["acl"]; !present {
		t.Error("acl key missing; must be present even when nil")
	}
	if rule["proxy_connect_timeout"] != 60 || rule["proxy_read_timeout"] != 60 || rule["proxy_send_timeout"] != 60 {
		t.Errorf("timeouts = %v/%v/%v, want 60", rule["proxy_connect_timeout"], rule["proxy_read_timeout"], rule["proxy_send_timeout"])
	}
	if rule["proxy_http_version"] != 1 {
		t.Errorf("http version = %v, want 1", rule["proxy_http_version"])
	}
	if headers, ok := rule["customize_headers"].([]Header); !ok || headers == nil || len(headers) != 0 {
		t.Errorf("customize_headers = %#v, want empty non-nil list", rule["customize_headers"])
	}
}
