package zoho

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
)

// fakeZoho serves the token grant, module metadata and record pages a
// migration touches.
type fakeZoho struct {
	srv    *httptest.Server
	grants int

	expireFirstToken bool
	noMeta           bool
	noData           bool
}

func newFakeZoho(t *testing.T) *fakeZoho {
	t.Helper()
	f := &fakeZoho{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v2/token", f.token)
	mux.HandleFunc("/crm/v8/settings/modules", f.modules)
	mux.HandleFunc("/crm/v2/settings/modules/", f.moduleMeta)
	mux.HandleFunc("/crm/v2/", f.records)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeZoho) config() adapter.Config {
	return adapter.Config{
		"refresh_token":   "refresh-1",
		"client_id":       "cid",
		"client_secret":   "cs",
		"api_domain":      f.srv.URL,
		"accounts_domain": f.srv.URL,
	}
}

func (f *fakeZoho) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") == "" {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}
	f.grants++
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600,"api_domain":%q}`, f.grants, f.srv.URL)
}

func (f *fakeZoho) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if f.expireFirstToken && auth == "Zoho-oauthtoken tok-1" && r.URL.Query().Get("page") == "2" {
		return false
	}
	return strings.HasPrefix(auth, "Zoho-oauthtoken tok-")
}

func (f *fakeZoho) modules(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"modules":[{"api_name":"Leads"},{"api_name":"Contacts"},{"api_name":"Deals"},{"plural_label":"Hidden"}]}`)
}

func (f *fakeZoho) moduleMeta(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.noMeta {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"modules":[{"fields":[{"api_name":"Last_Name"},{"api_name":"Company"},{"api_name":"Modified_Time"}]}]}`)
}

func (f *fakeZoho) records(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.noData {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	if r.Header.Get("If-Modified-Since") != "" {
		fmt.Fprint(w, `{"data":[
			{"id":"1","Last_Name":"Old","Modified_Time":"2024-05-01T00:00:00Z"},
			{"id":"2","Last_Name":"New","Modified_Time":"2024-07-01T00:00:00Z"}
		],"info":{"more_records":false}}`)
		return
	}

	switch r.URL.Query().Get("page") {
	case "1":
		fmt.Fprint(w, `{"data":[
			{"id":"1","Last_Name":"Ada","Company":{"name":"Acme"},"Tags":["a","b"]},
			{"id":"2","Last_Name":"Bo","Revenue":120000.5,"Email":null}
		],"info":{"more_records":true}}`)
	case "2":
		fmt.Fprint(w, `{"data":[{"id":"3","Last_Name":"Cy","Active":true}],"info":{"more_records":false}}`)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func connectedSource(t *testing.T, f *fakeZoho) *Source {
	t.Helper()
	s := NewSource(zerolog.Nop())
	if err := s.Connect(context.Background(), f.config()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectAndListTables(t *testing.T) {
	f := newFakeZoho(t)
	s := connectedSource(t, f)

	if f.grants != 1 {
		t.Fatalf("grants = %d, want 1", f.grants)
	}

	tables, err := s.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	want := []string{"Contacts", "Deals", "Leads"}
	if len(tables) != len(want) {
		t.Fatalf("tables = %v, want %v", tables, want)
	}
	for i := range want {
		if tables[i] != want[i] {
			t.Errorf("tables[%d] = %q, want %q", i, tables[i], want[i])
		}
	}
}

func TestConnectMissingCredentials(t *testing.T) {
	s := NewSource(zerolog.Nop())
	err := s.Connect(context.Background(), adapter.Config{"client_id": "cid"})
	if !errors.Is(err, adapter.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestReadPagesAndStringifies(t *testing.T) {
	f := newFakeZoho(t)
	s := connectedSource(t, f)
	ctx := context.Background()

	stream, err := s.Read(ctx, "Leads", 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer stream.Close()

	batch, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next page 1: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("page 1 records = %d, want 2", len(batch))
	}
	if got := batch[0]["Company"]; got != `{"name":"Acme"}` {
		t.Errorf("Company = %v, want JSON-encoded object", got)
	}
	if got := batch[0]["Tags"]; got != `["a","b"]` {
		t.Errorf("Tags = %v, want JSON-encoded array", got)
	}
	if got := batch[1]["Revenue"]; got != "120000.5" {
		t.Errorf("Revenue = %v, want stringified number", got)
	}
	if got := batch[1]["Email"]; got != nil {
		t.Errorf("Email = %v, want nil", got)
	}

	batch, err = stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next page 2: %v", err)
	}
	if len(batch) != 1 || batch[0]["Active"] != "true" {
		t.Errorf("page 2 = %v, want single record with Active=true", batch)
	}

	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestTokenRefreshMidStream(t *testing.T) {
	f := newFakeZoho(t)
	f.expireFirstToken = true
	s := connectedSource(t, f)
	ctx := context.Background()

	stream, err := s.Read(ctx, "Leads", 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer stream.Close()

	var total int
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		total += len(batch)
	}

	if total != 3 {
		t.Errorf("total records = %d, want 3", total)
	}
	if f.grants != 2 {
		t.Errorf("grants = %d, want 2 (connect + mid-stream refresh)", f.grants)
	}
}

func TestSchemaFromFieldMetadata(t *testing.T) {
	f := newFakeZoho(t)
	s := connectedSource(t, f)

	ts, err := s.Schema(context.Background(), "Leads")
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	want := []string{"Company", "Last_Name", "Modified_Time", "id"}
	if len(ts.Columns) != len(want) {
		t.Fatalf("columns = %v, want %v", ts.ColumnNames(), want)
	}
	for i, col := range ts.Columns {
		if col.Name != want[i] {
			t.Errorf("columns[%d] = %q, want %q", i, col.Name, want[i])
		}
		if col.Type != "string" {
			t.Errorf("columns[%d].Type = %q, want string", i, col.Type)
		}
	}
	if len(ts.PrimaryKey) != 1 || ts.PrimaryKey[0] != "id" {
		t.Errorf("PrimaryKey = %v, want [id]", ts.PrimaryKey)
	}
}

func TestSchemaProbesFirstRecord(t *testing.T) {
	f := newFakeZoho(t)
	f.noMeta = true
	s := connectedSource(t, f)

	ts, err := s.Schema(context.Background(), "Leads")
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	want := []string{"Company", "Last_Name", "Tags", "id"}
	got := ts.ColumnNames()
	if len(got) != len(want) {
		t.Fatalf("columns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("columns[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchemaFallsBackToID(t *testing.T) {
	f := newFakeZoho(t)
	f.noMeta = true
	f.noData = true
	s := connectedSource(t, f)

	ts, err := s.Schema(context.Background(), "Leads")
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if len(ts.Columns) != 1 || ts.Columns[0].Name != "id" {
		t.Errorf("columns = %v, want id only", ts.ColumnNames())
	}
}

func TestReadIncrementalFiltersModifiedTime(t *testing.T) {
	f := newFakeZoho(t)
	s := connectedSource(t, f)
	ctx := context.Background()

	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	stream, err := s.ReadIncremental(ctx, "Leads", since, 100)
	if err != nil {
		t.Fatalf("ReadIncremental: %v", err)
	}
	defer stream.Close()

	batch, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch) != 1 || batch[0]["Last_Name"] != "New" {
		t.Errorf("batch = %v, want only the record modified after since", batch)
	}
	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestAccountsDomain(t *testing.T) {
	tests := []struct {
		api, want string
	}{
		{"https://www.zohoapis.com", "https://accounts.zoho.com"},
		{"https://www.zohoapis.eu", "https://accounts.zoho.eu"},
		{"https://www.zohoapis.com.au", "https://accounts.zoho.com.au"},
		{"https://www.zohoapis.jp", "https://accounts.zoho.jp"},
		{"https://www.zohoapis.in", "https://accounts.zoho.in"},
		{"https://unknown.example.com", "https://accounts.zoho.in"},
	}
	for _, tt := range tests {
		if got := accountsDomain(tt.api); got != tt.want {
			t.Errorf("accountsDomain(%q) = %q, want %q", tt.api, got, tt.want)
		}
	}
}

func TestSourceKeyAndBatchSize(t *testing.T) {
	s := NewSource(zerolog.Nop())
	if s.Key() != "zoho" {
		t.Errorf("Key = %q", s.Key())
	}
	if s.BatchSize() != 100 {
		t.Errorf("BatchSize = %d", s.BatchSize())
	}
}
