package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jfoltran/datamover/internal/opstore"
)

// ErrWorkerTransport marks HTTP-level failures talking to the worker:
// connection errors, timeouts, unreadable responses. The migration may still
// be running worker-side; data already written stays in place.
var ErrWorkerTransport = errors.New("worker transport failure")

// WorkerClient calls the migration worker's HTTP API. The client timeout is
// the hard ceiling for one migration, so it is configured in hours rather
// than seconds.
type WorkerClient struct {
	baseURL string
	httpc   *http.Client
}

func NewWorkerClient(baseURL string, timeout time.Duration) *WorkerClient {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &WorkerClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// MigrateOutcome is the worker's verdict. Result holds the raw
// MigrationResult body for persistence; Success mirrors the HTTP status the
// worker chose (200 aggregated success, 500 aggregated failure).
type MigrateOutcome struct {
	Success bool
	Result  json.RawMessage
}

func (c *WorkerClient) Migrate(ctx context.Context, job opstore.Config) (MigrateOutcome, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return MigrateOutcome{}, fmt.Errorf("encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/migrate", bytes.NewReader(body))
	if err != nil {
		return MigrateOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return MigrateOutcome{}, fmt.Errorf("%w: %w", ErrWorkerTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return MigrateOutcome{}, fmt.Errorf("%w: read response: %w", ErrWorkerTransport, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return MigrateOutcome{Success: true, Result: respBody}, nil
	case http.StatusInternalServerError:
		return MigrateOutcome{Success: false, Result: respBody}, nil
	default:
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return MigrateOutcome{}, fmt.Errorf("worker rejected job: %s", e.Error)
		}
		return MigrateOutcome{}, fmt.Errorf("worker returned unexpected status %d", resp.StatusCode)
	}
}
