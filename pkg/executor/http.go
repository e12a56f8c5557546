package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTP posts jobs to a remote execution service.
//
// The request body is {"orgId", "jobId", "jobType", "attempt", "payload"};
// a 2xx response body is the job result.
type HTTP struct {
	URL    string
	Client *http.Client
}

type httpRequest struct {
	OrgID   int64           `json:"orgId"`
	JobID   string          `json:"jobId"`
	JobType string          `json:"jobType"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// Execute posts the job and waits for the response.
func (h *HTTP) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	body, err := json.Marshal(&httpRequest{
		OrgID:   req.OrgID,
		JobID:   req.JobID,
		JobType: req.JobType,
		Attempt: req.Attempt,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("executor returned %s: %s", res.Status, bytes.TrimSpace(buf))
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(buf) {
		return nil, fmt.Errorf("executor returned invalid JSON")
	}
	return buf, nil
}
