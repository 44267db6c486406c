package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jfoltran/datamover/internal/opstore"
)

// Client talks to the orchestrator's HTTP API. The watch TUI and the CLI
// subcommands use it instead of opening their own database connections.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client pointing at the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Ping checks if the orchestrator is reachable.
func (c *Client) Ping() error {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return fmt.Errorf("cannot reach orchestrator at %s: %w", c.baseURL, err)
	}
	resp.Body.Close()
	return nil
}

// Operations fetches all operations, newest first.
func (c *Client) Operations() ([]opstore.Operation, error) {
	var ops []opstore.Operation
	if err := c.get("/api/v1/operations", &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Operation fetches a single operation by id.
func (c *Client) Operation(id string) (*opstore.Operation, error) {
	var op opstore.Operation
	if err := c.get("/api/v1/operations/"+id, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// OperationStatus fetches the compact lifecycle document for an operation.
func (c *Client) OperationStatus(id string) (map[string]any, error) {
	var doc map[string]any
	if err := c.get("/api/v1/operations/"+id+"/status", &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Summary fetches per-status and per-type counts plus recent operations.
func (c *Client) Summary(ownerID string, recent int) (*opstore.Summary, error) {
	path := "/api/v1/operations/summary"
	sep := "?"
	if ownerID != "" {
		path += sep + "owner_id=" + ownerID
		sep = "&"
	}
	if recent > 0 {
		path += fmt.Sprintf("%srecent=%d", sep, recent)
	}
	var sum opstore.Summary
	if err := c.get(path, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// CreateOperation submits a new operation and returns the stored row.
func (c *Client) CreateOperation(req any) (*opstore.Operation, error) {
	var op opstore.Operation
	if err := c.post("/api/v1/operations", req, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Execute asks the orchestrator to dispatch an operation now.
func (c *Client) Execute(id string, force bool) error {
	path := "/api/v1/operations/" + id + "/execute"
	if force {
		path += "?force=true"
	}
	return c.post(path, nil, nil)
}

// Retry re-runs a failed or completed operation.
func (c *Client) Retry(id string) error {
	return c.post("/api/v1/operations/"+id+"/retry", nil, nil)
}

// Remove cancels and deletes an operation.
func (c *Client) Remove(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/v1/operations/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Endpoints fetches the registry.
func (c *Client) Endpoints() ([]opstore.Endpoint, error) {
	var list []opstore.Endpoint
	if err := c.get("/api/v1/registry", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("cannot reach orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader([]byte("{}"))
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("cannot reach orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// checkStatus turns a non-2xx response into an error carrying the server's
// plain-text message. The body is consumed on failure.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("orchestrator: %s", msg)
}
