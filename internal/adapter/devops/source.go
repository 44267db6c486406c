// Package devops implements the Azure DevOps source adapter. The
// catalog is fixed: projects, teams and five work-item projections,
// each fed from the REST API and flattened into string-valued records.
package devops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
)

const (
	TableProjects  = "DEVOPS_PROJECTS"
	TableTeams     = "DEVOPS_TEAMS"
	TableMain      = "DEVOPS_WORKITEMS_MAIN"
	TableUpdates   = "DEVOPS_WORKITEMS_UPDATES"
	TableComments  = "DEVOPS_WORKITEMS_COMMENTS"
	TableRelations = "DEVOPS_WORKITEMS_RELATIONS"
	TableRevisions = "DEVOPS_WORKITEMS_REVISIONS"
)

const (
	sourceBatchSize = 50
	defaultBaseURL  = "https://dev.azure.com"

	defaultAPIVersion = "7.1"
	// The projects, teams and comments endpoints only exist as preview.
	previewAPIVersion = "7.1-preview.3"

	// Upper bound the work items endpoint accepts per ids= call.
	workItemIDBatch = 200
	pageTop         = 100

	commentTextLimit = 2000
)

// Source reads the fixed Azure DevOps catalog. A personal access token
// rides in Basic auth with an empty username.
type Source struct {
	httpClient *http.Client
	logger     zerolog.Logger

	pat          string
	organization string
	apiVersion   string
	baseURL      string
}

// NewSource returns an unconnected Azure DevOps source.
func NewSource(logger zerolog.Logger) *Source {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 2 * time.Minute
	rc.Logger = nil
	return &Source{
		httpClient: rc.StandardClient(),
		logger:     logger.With().Str("component", "devops-source").Logger(),
	}
}

func (s *Source) Key() string    { return "devops" }
func (s *Source) BatchSize() int { return sourceBatchSize }

func (s *Source) Connect(ctx context.Context, cfg adapter.Config) error {
	pat, err := cfg.Require("access_token")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	org, err := cfg.Require("organization")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	s.pat = pat
	s.organization = org
	s.apiVersion = cfg.String("api_version", defaultAPIVersion)
	s.baseURL = strings.TrimSuffix(cfg.String("base_url", defaultBaseURL), "/")

	probe := fmt.Sprintf("%s/_apis/projects?api-version=%s&$top=1", s.orgURL(), s.apiVersion)
	status, _, err := s.do(ctx, http.MethodGet, probe, nil)
	if err != nil {
		return fmt.Errorf("%w: probe %s: %v", adapter.ErrConnection, s.organization, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNonAuthoritativeInfo:
		// A bad PAT answers 203 with an HTML sign-in page.
		return fmt.Errorf("%w: organization %s rejected the access token (status %d)", adapter.ErrAuth, s.organization, status)
	default:
		return fmt.Errorf("%w: probe %s: status %d", adapter.ErrConnection, s.organization, status)
	}

	s.logger.Info().Str("organization", s.organization).Msg("connected to azure devops")
	return nil
}

func (s *Source) Close() error {
	s.pat = ""
	s.organization = ""
	return nil
}

func (s *Source) orgURL() string {
	return s.baseURL + "/" + url.PathEscape(s.organization)
}

// ListTables returns the fixed catalog.
func (s *Source) ListTables(ctx context.Context) ([]string, error) {
	return []string{
		TableProjects,
		TableTeams,
		TableMain,
		TableUpdates,
		TableComments,
		TableRelations,
		TableRevisions,
	}, nil
}

// Schema returns the fixed key columns of each catalog table. The
// flattened field set varies per organization and arrives through
// schema evolution during the load.
func (s *Source) Schema(ctx context.Context, table string) (*adapter.TableSchema, error) {
	str := func(name string, nullable bool) adapter.Column {
		return adapter.Column{Name: name, Type: "string", Nullable: nullable}
	}

	switch table {
	case TableProjects:
		return &adapter.TableSchema{
			Name: table,
			Columns: []adapter.Column{
				str("id", false), str("name", true), str("description", true),
				str("state", true), str("revision", true), str("lastUpdateTime", true),
			},
			PrimaryKey: []string{"id"},
		}, nil
	case TableTeams:
		return &adapter.TableSchema{
			Name: table,
			Columns: []adapter.Column{
				str("id", false), str("name", true), str("description", true),
				str("projectName", true), str("projectId", true),
			},
			PrimaryKey: []string{"id"},
		}, nil
	case TableMain:
		return &adapter.TableSchema{
			Name:       table,
			Columns:    []adapter.Column{str("id", false)},
			PrimaryKey: []string{"id"},
		}, nil
	case TableUpdates, TableRevisions:
		return &adapter.TableSchema{
			Name:       table,
			Columns:    []adapter.Column{str("work_item_id", false), str("rev", false)},
			PrimaryKey: []string{"work_item_id", "rev"},
		}, nil
	case TableComments:
		return &adapter.TableSchema{
			Name: table,
			Columns: []adapter.Column{
				str("work_item_id", false), str("comment_id", false), str("text", true),
				str("created_date", true), str("created_by", true),
				str("modified_date", true), str("modified_by", true), str("is_deleted", true),
			},
			PrimaryKey: []string{"work_item_id", "comment_id"},
		}, nil
	case TableRelations:
		return &adapter.TableSchema{
			Name: table,
			Columns: []adapter.Column{
				str("work_item_id", false), str("relation_type", true),
				str("related_work_item_id", true), str("related_work_item_url", true),
				str("attributes_name", true),
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown table %q", adapter.ErrSchema, table)
}

func (s *Source) Read(ctx context.Context, table string, batchSize int) (adapter.RowStream, error) {
	return s.streamTable(ctx, table, time.Time{}, batchSize)
}

func (s *Source) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (adapter.RowStream, error) {
	return s.streamTable(ctx, table, since, batchSize)
}

func (s *Source) streamTable(ctx context.Context, table string, since time.Time, batchSize int) (adapter.RowStream, error) {
	if batchSize <= 0 || batchSize > sourceBatchSize {
		batchSize = sourceBatchSize
	}

	var produce func(context.Context, emitFunc) error
	switch table {
	case TableProjects:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.readProjects(ctx, since, batchSize, emit)
		}
	case TableTeams:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.readTeams(ctx, since, batchSize, emit)
		}
	case TableMain:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.walkWorkItems(ctx, since, batchSize, emit, s.mainRecords)
		}
	case TableUpdates:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.walkWorkItems(ctx, since, batchSize, emit, s.updateRecords(since))
		}
	case TableComments:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.walkWorkItems(ctx, since, batchSize, emit, s.commentRecords(since))
		}
	case TableRelations:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.walkWorkItems(ctx, since, batchSize, emit, s.relationRecords)
		}
	case TableRevisions:
		produce = func(ctx context.Context, emit emitFunc) error {
			return s.walkWorkItems(ctx, since, batchSize, emit, s.revisionRecords(since))
		}
	default:
		return nil, fmt.Errorf("%w: unknown table %q", adapter.ErrRead, table)
	}

	return s.startStream(ctx, produce), nil
}

type emitFunc func([]adapter.Record) error

// recordStream adapts a producer goroutine to the pull iterator
// contract. The producer's terminal error is surfaced once the batch
// channel drains.
type recordStream struct {
	batches <-chan []adapter.Record
	errc    <-chan error
	cancel  context.CancelFunc
	done    bool
	err     error
}

func (s *Source) startStream(ctx context.Context, produce func(context.Context, emitFunc) error) *recordStream {
	ctx, cancel := context.WithCancel(ctx)
	batches := make(chan []adapter.Record)
	errc := make(chan error, 1)

	emit := func(batch []adapter.Record) error {
		select {
		case batches <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(batches)
		errc <- produce(ctx, emit)
	}()

	return &recordStream{batches: batches, errc: errc, cancel: cancel}
}

func (r *recordStream) Next(ctx context.Context) ([]adapter.Record, error) {
	if r.done {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch, ok := <-r.batches:
		if !ok {
			r.done = true
			r.err = <-r.errc
			if r.err != nil {
				return nil, r.err
			}
			return nil, io.EOF
		}
		return batch, nil
	}
}

func (r *recordStream) Close() error {
	r.cancel()
	return nil
}

type project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	State          string `json:"state"`
	Revision       int64  `json:"revision"`
	LastUpdateTime string `json:"lastUpdateTime"`
}

type team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ProjectName string `json:"projectName"`
	ProjectID   string `json:"projectId"`
}

func (s *Source) readProjects(ctx context.Context, since time.Time, batchSize int, emit emitFunc) error {
	return pageValues(ctx, s, s.orgURL()+"/_apis/projects", previewAPIVersion, func(page []project) error {
		records := make([]adapter.Record, 0, len(page))
		for _, p := range page {
			if !since.IsZero() && !changedAfter(p.LastUpdateTime, since) {
				continue
			}
			records = append(records, adapter.Record{
				"id":             p.ID,
				"name":           p.Name,
				"description":    p.Description,
				"state":          p.State,
				"revision":       strconv.FormatInt(p.Revision, 10),
				"lastUpdateTime": p.LastUpdateTime,
			})
		}
		return emitChunks(records, batchSize, emit)
	})
}

func (s *Source) readTeams(ctx context.Context, since time.Time, batchSize int, emit emitFunc) error {
	if !since.IsZero() {
		s.logger.Warn().Msg("teams carry no change timestamp, reading all teams")
	}
	return pageValues(ctx, s, s.orgURL()+"/_apis/teams", previewAPIVersion, func(page []team) error {
		records := make([]adapter.Record, 0, len(page))
		for _, t := range page {
			records = append(records, adapter.Record{
				"id":          t.ID,
				"name":        t.Name,
				"description": t.Description,
				"projectName": t.ProjectName,
				"projectId":   t.ProjectID,
			})
		}
		return emitChunks(records, batchSize, emit)
	})
}

type workItem struct {
	ID        int                `json:"id"`
	Fields    map[string]any     `json:"fields"`
	Relations []workItemRelation `json:"relations"`
}

type workItemRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes"`
}

type recordsFunc func(ctx context.Context, project string, items []workItem) ([]adapter.Record, error)

// walkWorkItems enumerates work items project by project: a WIQL id
// query per project, then id-batched fetches with $expand=all. Failed
// projects and batches are logged and skipped so one sick project does
// not sink the table.
func (s *Source) walkWorkItems(ctx context.Context, since time.Time, batchSize int, emit emitFunc, fn recordsFunc) error {
	projects, err := s.projectNames(ctx)
	if err != nil {
		return err
	}

	for _, proj := range projects {
		ids, err := s.workItemIDs(ctx, proj, since)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Str("project", proj).Msg("work item id query failed")
			continue
		}
		for start := 0; start < len(ids); start += workItemIDBatch {
			end := min(start+workItemIDBatch, len(ids))
			items, err := s.workItemsBatch(ctx, proj, ids[start:end])
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn().Err(err).Str("project", proj).Msg("work item batch fetch failed")
				continue
			}
			records, err := fn(ctx, proj, items)
			if err != nil {
				return err
			}
			if err := emitChunks(records, batchSize, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Source) projectNames(ctx context.Context) ([]string, error) {
	var names []string
	err := pageValues(ctx, s, s.orgURL()+"/_apis/projects", s.apiVersion, func(page []project) error {
		for _, p := range page {
			if strings.EqualFold(p.State, "wellFormed") && p.Name != "" {
				names = append(names, p.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list projects: %v", adapter.ErrRead, err)
	}
	return names, nil
}

type wiqlResponse struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

func (s *Source) workItemIDs(ctx context.Context, proj string, since time.Time) ([]int, error) {
	query := fmt.Sprintf("SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s'",
		strings.ReplaceAll(proj, "'", "''"))
	if !since.IsZero() {
		query += fmt.Sprintf(" AND [System.ChangedDate] > '%s'", since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	query += " ORDER BY [System.Id]"

	u := fmt.Sprintf("%s/%s/_apis/wit/wiql?api-version=%s&timePrecision=true",
		s.orgURL(), url.PathEscape(proj), s.apiVersion)
	var payload wiqlResponse
	if err := s.postJSON(ctx, u, map[string]string{"query": query}, &payload); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(payload.WorkItems))
	for _, ref := range payload.WorkItems {
		if ref.ID != 0 {
			ids = append(ids, ref.ID)
		}
	}
	return ids, nil
}

func (s *Source) workItemsBatch(ctx context.Context, proj string, ids []int) ([]workItem, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	u := fmt.Sprintf("%s/%s/_apis/wit/workitems?ids=%s&$expand=all&api-version=%s",
		s.orgURL(), url.PathEscape(proj), strings.Join(parts, ","), s.apiVersion)

	var payload struct {
		Value []workItem `json:"value"`
	}
	if err := s.getJSON(ctx, u, &payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// mainRecords flattens each work item: id plus every fields.* entry,
// nested objects JSON-encoded.
func (s *Source) mainRecords(ctx context.Context, proj string, items []workItem) ([]adapter.Record, error) {
	records := make([]adapter.Record, 0, len(items))
	for _, it := range items {
		rec := adapter.Record{"id": strconv.Itoa(it.ID)}
		for k, v := range it.Fields {
			rec[k] = adapter.Stringify(v)
		}
		records = append(records, rec)
	}
	return records, nil
}

type workItemUpdate struct {
	Rev         int            `json:"rev"`
	RevisedBy   map[string]any `json:"revisedBy"`
	RevisedDate string         `json:"revisedDate"`
	Fields      map[string]struct {
		NewValue any `json:"newValue"`
	} `json:"fields"`
}

func (s *Source) updateRecords(since time.Time) recordsFunc {
	return func(ctx context.Context, proj string, items []workItem) ([]adapter.Record, error) {
		var records []adapter.Record
		for _, it := range items {
			u := fmt.Sprintf("%s/%s/_apis/wit/workItems/%d/updates?api-version=%s",
				s.orgURL(), url.PathEscape(proj), it.ID, s.apiVersion)
			var payload struct {
				Value []workItemUpdate `json:"value"`
			}
			if err := s.getJSON(ctx, u, &payload); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Warn().Err(err).Int("work_item", it.ID).Msg("updates fetch failed")
				continue
			}
			for _, upd := range payload.Value {
				if !since.IsZero() && !changedAfter(upd.RevisedDate, since) {
					continue
				}
				rec := adapter.Record{
					"work_item_id": strconv.Itoa(it.ID),
					"rev":          strconv.Itoa(upd.Rev),
					"revisedBy":    adapter.Stringify(upd.RevisedBy),
					"revisedDate":  upd.RevisedDate,
				}
				for name, field := range upd.Fields {
					rec[name] = adapter.Stringify(field.NewValue)
				}
				records = append(records, rec)
			}
		}
		return records, nil
	}
}

type workItemComment struct {
	ID           int            `json:"id"`
	Text         string         `json:"text"`
	CreatedDate  string         `json:"createdDate"`
	CreatedBy    map[string]any `json:"createdBy"`
	ModifiedDate string         `json:"modifiedDate"`
	ModifiedBy   map[string]any `json:"modifiedBy"`
	IsDeleted    bool           `json:"isDeleted"`
}

func (s *Source) commentRecords(since time.Time) recordsFunc {
	return func(ctx context.Context, proj string, items []workItem) ([]adapter.Record, error) {
		var records []adapter.Record
		for _, it := range items {
			u := fmt.Sprintf("%s/%s/_apis/wit/workItems/%d/comments?api-version=%s",
				s.orgURL(), url.PathEscape(proj), it.ID, previewAPIVersion)
			var payload struct {
				Comments []workItemComment `json:"comments"`
				Value    []workItemComment `json:"value"`
			}
			if err := s.getJSON(ctx, u, &payload); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Warn().Err(err).Int("work_item", it.ID).Msg("comments fetch failed")
				continue
			}
			comments := payload.Comments
			if len(comments) == 0 {
				comments = payload.Value
			}
			for _, c := range comments {
				if !since.IsZero() && !changedAfter(c.ModifiedDate, since) && !changedAfter(c.CreatedDate, since) {
					continue
				}
				deleted := "0"
				if c.IsDeleted {
					deleted = "1"
				}
				records = append(records, adapter.Record{
					"work_item_id":  strconv.Itoa(it.ID),
					"comment_id":    strconv.Itoa(c.ID),
					"text":          truncateText(c.Text, commentTextLimit),
					"created_date":  c.CreatedDate,
					"created_by":    displayName(c.CreatedBy),
					"modified_date": c.ModifiedDate,
					"modified_by":   displayName(c.ModifiedBy),
					"is_deleted":    deleted,
				})
			}
		}
		return records, nil
	}
}

func (s *Source) relationRecords(ctx context.Context, proj string, items []workItem) ([]adapter.Record, error) {
	var records []adapter.Record
	for _, it := range items {
		for _, rel := range it.Relations {
			records = append(records, adapter.Record{
				"work_item_id":          strconv.Itoa(it.ID),
				"relation_type":         rel.Rel,
				"related_work_item_id":  lastSegment(rel.URL),
				"related_work_item_url": rel.URL,
				"attributes_name":       displayString(rel.Attributes, "name"),
			})
		}
	}
	return records, nil
}

type workItemRevision struct {
	Rev    int            `json:"rev"`
	Fields map[string]any `json:"fields"`
}

func (s *Source) revisionRecords(since time.Time) recordsFunc {
	return func(ctx context.Context, proj string, items []workItem) ([]adapter.Record, error) {
		var records []adapter.Record
		for _, it := range items {
			u := fmt.Sprintf("%s/%s/_apis/wit/workItems/%d/revisions?api-version=%s",
				s.orgURL(), url.PathEscape(proj), it.ID, s.apiVersion)
			var payload struct {
				Value []workItemRevision `json:"value"`
			}
			if err := s.getJSON(ctx, u, &payload); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Warn().Err(err).Int("work_item", it.ID).Msg("revisions fetch failed")
				continue
			}
			for _, rev := range payload.Value {
				if !since.IsZero() {
					changed, _ := rev.Fields["System.ChangedDate"].(string)
					if !changedAfter(changed, since) {
						continue
					}
				}
				rec := adapter.Record{
					"work_item_id": strconv.Itoa(it.ID),
					"rev":          strconv.Itoa(rev.Rev),
				}
				for k, v := range rev.Fields {
					rec[k] = adapter.Stringify(v)
				}
				records = append(records, rec)
			}
		}
		return records, nil
	}
}

// pageValues walks a $skip/$top paginated list endpoint.
func pageValues[T any](ctx context.Context, s *Source, baseURL, apiVersion string, visit func([]T) error) error {
	for skip := 0; ; skip += pageTop {
		u := fmt.Sprintf("%s?api-version=%s&$skip=%d&$top=%d", baseURL, apiVersion, skip, pageTop)
		var payload struct {
			Value []T `json:"value"`
		}
		if err := s.getJSON(ctx, u, &payload); err != nil {
			return err
		}
		if len(payload.Value) == 0 {
			return nil
		}
		if err := visit(payload.Value); err != nil {
			return err
		}
		if len(payload.Value) < pageTop {
			return nil
		}
	}
}

func (s *Source) getJSON(ctx context.Context, rawURL string, out any) error {
	status, body, err := s.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, truncateText(string(body), 200))
	}
	return json.Unmarshal(body, out)
}

func (s *Source) postJSON(ctx context.Context, rawURL string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	status, body, err := s.do(ctx, http.MethodPost, rawURL, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, truncateText(string(body), 200))
	}
	return json.Unmarshal(body, out)
}

func (s *Source) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth("", s.pat)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func emitChunks(records []adapter.Record, size int, emit emitFunc) error {
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		if err := emit(records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// changedAfter parses an API timestamp and compares it to since.
// Unparseable timestamps count as changed; missing ones do not.
func changedAfter(raw string, since time.Time) bool {
	if raw == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return t.After(since)
}

func displayName(user map[string]any) string {
	return displayString(user, "displayName")
}

func displayString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func lastSegment(u string) string {
	if i := strings.LastIndexByte(u, '/'); i >= 0 {
		return u[i+1:]
	}
	return u
}

// truncateText caps s at max bytes without splitting a UTF-8 sequence.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
