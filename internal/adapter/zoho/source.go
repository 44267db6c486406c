// Package zoho implements the Zoho CRM source adapter. Modules map to
// tables, records arrive as JSON pages and every value is stringified
// before it reaches a destination.
package zoho

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/jfoltran/datamover/internal/adapter"
)

const (
	sourceBatchSize  = 100
	defaultAPIDomain = "https://www.zohoapis.in"
)

// accountsDomains maps an API data-center domain to the accounts host
// that issues tokens for it.
var accountsDomains = map[string]string{
	"https://www.zohoapis.in":     "https://accounts.zoho.in",
	"https://www.zohoapis.com":    "https://accounts.zoho.com",
	"https://www.zohoapis.eu":     "https://accounts.zoho.eu",
	"https://www.zohoapis.com.au": "https://accounts.zoho.com.au",
	"https://www.zohoapis.jp":     "https://accounts.zoho.jp",
}

func accountsDomain(apiDomain string) string {
	if d, ok := accountsDomains[apiDomain]; ok {
		return d
	}
	return "https://accounts.zoho.in"
}

// Source reads Zoho CRM modules over the REST API. Access tokens are
// minted from a long-lived refresh token; Zoho uses its own
// Authorization scheme, so the oauth2 config only drives the grant and
// the header is set by hand.
type Source struct {
	httpClient *http.Client
	logger     zerolog.Logger

	oauthCfg     *oauth2.Config
	refreshToken string
	token        string
	apiDomain    string
}

// NewSource returns an unconnected Zoho source.
func NewSource(logger zerolog.Logger) *Source {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 2 * time.Minute
	rc.Logger = nil
	return &Source{
		httpClient: rc.StandardClient(),
		logger:     logger.With().Str("component", "zoho-source").Logger(),
	}
}

func (s *Source) Key() string    { return "zoho" }
func (s *Source) BatchSize() int { return sourceBatchSize }

func (s *Source) Connect(ctx context.Context, cfg adapter.Config) error {
	refreshToken, err := cfg.Require("refresh_token")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	clientID, err := cfg.Require("client_id")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	clientSecret, err := cfg.Require("client_secret")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}

	s.apiDomain = cfg.String("api_domain", defaultAPIDomain)
	accounts := cfg.String("accounts_domain", accountsDomain(s.apiDomain))
	s.refreshToken = refreshToken
	s.oauthCfg = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  accounts + "/oauth/v2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	if err := s.refreshAccessToken(ctx); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrAuth, err)
	}
	s.logger.Info().Str("api_domain", s.apiDomain).Msg("connected to zoho api")
	return nil
}

func (s *Source) Close() error {
	s.token = ""
	s.oauthCfg = nil
	return nil
}

// refreshAccessToken performs a refresh-token grant. A fresh token
// source is built every call so a 401 can force a new grant even when
// the cached token has not nominally expired.
func (s *Source) refreshAccessToken(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	ts := s.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: s.refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	s.token = tok.AccessToken
	if domain, ok := tok.Extra("api_domain").(string); ok && domain != "" {
		s.apiDomain = domain
	}
	return nil
}

type moduleList struct {
	Modules []struct {
		APIName string `json:"api_name"`
	} `json:"modules"`
}

// ListTables returns the api_name of every module, sorted.
func (s *Source) ListTables(ctx context.Context) ([]string, error) {
	var payload moduleList
	status, err := s.fetchJSON(ctx, s.apiDomain+"/crm/v8/settings/modules", nil, nil, &payload)
	if err != nil {
		return nil, fmt.Errorf("%w: list modules: %v", adapter.ErrSchema, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: list modules: status %d", adapter.ErrSchema, status)
	}

	names := make([]string, 0, len(payload.Modules))
	for _, m := range payload.Modules {
		if m.APIName != "" {
			names = append(names, m.APIName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Schema builds a module schema from field metadata. API fields carry
// no useful type information once stringified, so every column is a
// nullable string and the implicit id is the key.
func (s *Source) Schema(ctx context.Context, table string) (*adapter.TableSchema, error) {
	names, err := s.moduleFieldNames(ctx, table)
	if err != nil {
		s.logger.Warn().Err(err).Str("module", table).Msg("field metadata unavailable, probing first record")
		names, err = s.probeFieldNames(ctx, table)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("module", table).Msg("schema probe failed, using id-only schema")
		names = []string{"id"}
	}

	ts := &adapter.TableSchema{Name: table, PrimaryKey: []string{"id"}}
	for _, n := range names {
		ts.Columns = append(ts.Columns, adapter.Column{Name: n, Type: "string", Nullable: n != "id"})
	}
	return ts, nil
}

type moduleMeta struct {
	Modules []struct {
		Fields []struct {
			APIName string `json:"api_name"`
		} `json:"fields"`
	} `json:"modules"`
	Fields []struct {
		APIName string `json:"api_name"`
	} `json:"fields"`
}

func (s *Source) moduleFieldNames(ctx context.Context, module string) ([]string, error) {
	var payload moduleMeta
	status, err := s.fetchJSON(ctx, s.apiDomain+"/crm/v2/settings/modules/"+url.PathEscape(module), nil, nil, &payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("field metadata for %q: status %d", module, status)
	}

	set := map[string]struct{}{"id": {}}
	fields := payload.Fields
	if len(payload.Modules) > 0 && len(payload.Modules[0].Fields) > 0 {
		fields = payload.Modules[0].Fields
	}
	for _, f := range fields {
		if f.APIName != "" {
			set[f.APIName] = struct{}{}
		}
	}
	if len(set) == 1 {
		return nil, fmt.Errorf("no fields returned for module %q", module)
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Source) probeFieldNames(ctx context.Context, module string) ([]string, error) {
	params := url.Values{"page": {"1"}, "per_page": {"1"}}
	var payload recordPage
	status, err := s.fetchJSON(ctx, s.apiDomain+"/crm/v2/"+url.PathEscape(module), params, nil, &payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || len(payload.Data) == 0 {
		return nil, fmt.Errorf("no records to probe for module %q", module)
	}

	names := make([]string, 0, len(payload.Data[0]))
	for k := range payload.Data[0] {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Source) Read(ctx context.Context, table string, batchSize int) (adapter.RowStream, error) {
	return s.stream(table, time.Time{}, batchSize), nil
}

// ReadIncremental asks the API for records changed after since and
// re-checks Modified_Time client-side, the header alone is advisory.
func (s *Source) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (adapter.RowStream, error) {
	return s.stream(table, since, batchSize), nil
}

func (s *Source) stream(module string, since time.Time, batchSize int) *recordStream {
	if batchSize <= 0 || batchSize > sourceBatchSize {
		batchSize = sourceBatchSize
	}
	return &recordStream{src: s, module: module, page: 1, perPage: batchSize, since: since}
}

type recordPage struct {
	Data []map[string]any `json:"data"`
	Info struct {
		MoreRecords bool `json:"more_records"`
	} `json:"info"`
}

// recordStream pages through one module. Each Next call fetches the
// next page; pages emptied by the incremental filter are skipped so
// callers only ever see non-empty batches or io.EOF.
type recordStream struct {
	src     *Source
	module  string
	page    int
	perPage int
	since   time.Time
	done    bool
}

func (r *recordStream) Next(ctx context.Context) ([]adapter.Record, error) {
	for {
		if r.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := url.Values{}
		params.Set("page", strconv.Itoa(r.page))
		params.Set("per_page", strconv.Itoa(r.perPage))
		var header http.Header
		if !r.since.IsZero() {
			header = http.Header{"If-Modified-Since": []string{r.since.Format(time.RFC3339)}}
		}

		var payload recordPage
		status, err := r.src.fetchJSON(ctx, r.src.apiDomain+"/crm/v2/"+url.PathEscape(r.module), params, header, &payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s page %d: %v", adapter.ErrRead, r.module, r.page, err)
		}
		if status == http.StatusNoContent || status == http.StatusNotModified || len(payload.Data) == 0 {
			r.done = true
			return nil, io.EOF
		}

		batch := make([]adapter.Record, 0, len(payload.Data))
		for _, raw := range payload.Data {
			rec := adapter.StringifyRecord(raw)
			if !r.since.IsZero() && !modifiedSince(rec, r.since) {
				continue
			}
			batch = append(batch, rec)
		}

		r.src.logger.Debug().
			Str("module", r.module).
			Int("page", r.page).
			Int("records", len(batch)).
			Msg("fetched page")

		if !payload.Info.MoreRecords {
			r.done = true
		} else {
			r.page++
		}
		if len(batch) > 0 {
			return batch, nil
		}
	}
}

func (r *recordStream) Close() error {
	r.done = true
	return nil
}

// fetchJSON performs an authenticated GET and decodes the body. A 401
// forces one token refresh and retries the same request, so an expiry
// mid-stream does not interrupt a paged read.
func (s *Source) fetchJSON(ctx context.Context, rawURL string, params url.Values, header http.Header, out any) (int, error) {
	for attempt := 0; ; attempt++ {
		status, body, err := s.get(ctx, rawURL, params, header)
		if err != nil {
			return 0, err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			s.logger.Warn().Msg("access token rejected, refreshing")
			if err := s.refreshAccessToken(ctx); err != nil {
				return 0, fmt.Errorf("%w: %v", adapter.ErrAuth, err)
			}
			continue
		}
		if status == http.StatusNoContent || status == http.StatusNotModified {
			return status, nil
		}
		if status != http.StatusOK {
			return status, fmt.Errorf("status %d: %s", status, truncateBody(body))
		}
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return status, fmt.Errorf("decode response: %w", err)
			}
		}
		return status, nil
	}
}

func (s *Source) get(ctx context.Context, rawURL string, params url.Values, header http.Header) (int, []byte, error) {
	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// modifiedSince keeps records whose Modified_Time is after since.
// Records without a parseable Modified_Time are kept.
func modifiedSince(rec adapter.Record, since time.Time) bool {
	raw, ok := rec["Modified_Time"].(string)
	if !ok || raw == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return t.After(since)
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
