package changecontrol

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

var (
	ErrUnauthorized = errors.New("change-control: unauthorized")
	ErrJobNotFound  = errors.New("change-control: job not found")
)

// TransportError marks connection-level failures that are safe to retry.
// Logical failures from the service (bad request, not found, auth) are not.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("change-control: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a retryable connection failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const (
	changeControlPath = "/api/resources/changecontrol/v1/ChangeControls"
	configPath        = "/api/resources/changecontrol/v1/ChangeControlConfig"
	approvePath       = "/api/resources/changecontrol/v1/ApproveConfig"
)

// Client talks to the change-control resource gateway. Authentication is
// a bearer access token; TLS may use a custom root certificate for
// on-prem installs with self-signed CAs.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient builds a Client for server (host[:port]). certFile, when
// non-empty, must point at a PEM root CA bundle.
func NewClient(server, token, certFile string) (*Client, error) {
	tlsCfg := &tls.Config{}
	if certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read cert file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("cert file %s contains no usable certificates", certFile)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		baseURL: "https://" + server,
		token:   token,
		httpc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:       tlsCfg,
				ResponseHeaderTimeout: 30 * time.Second,
			},
			// no overall timeout: Subscribe holds the connection open
		},
	}, nil
}

// newTestClient is used by tests to point at an httptest server.
func newTestClient(baseURL, token string, httpc *http.Client) *Client {
	return &Client{baseURL: baseURL, token: token, httpc: httpc}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w (HTTP %d): check that the access token is valid and not expired", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrJobNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, &TransportError{Op: req.Method + " " + req.URL.Path, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
		}
		return nil, fmt.Errorf("change-control: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}

// GetOne fetches the current snapshot of a job by ID.
func (c *Client) GetOne(ctx context.Context, id string) (*ChangeJobEvent, error) {
	u := c.baseURL + changeControlPath + "?key.id=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire struct {
		Value wireChangeControl `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &TransportError{Op: "decode GetOne response", Err: err}
	}
	return wire.Value.toEvent(), nil
}

// Snapshot opens a streaming GetAll: every known job is emitted once,
// then the stream ends.
func (c *Client) Snapshot(ctx context.Context) (JobStream, error) {
	return c.openStream(ctx, streamRequest{}, false)
}

// Watch opens a long-lived subscription filtered to a single job ID via
// a partial-equality filter. The stream stays open until ctx is done or
// the transport drops.
func (c *Client) Watch(ctx context.Context, id string) (JobStream, error) {
	req := streamRequest{
		PartialEqFilter: []wireChangeControl{{Key: wireKey{ID: id}}},
	}
	return c.openStream(ctx, req, true)
}

type streamRequest struct {
	PartialEqFilter []wireChangeControl `json:"partialEqFilter,omitempty"`
}

func (c *Client) openStream(ctx context.Context, sr streamRequest, subscribe bool) (JobStream, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + changeControlPath + "/all"
	if subscribe {
		u += "?subscribe=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return newWireStream(resp.Body), nil
}

// Action is one stage of a scheduled change, e.g. {"task", {"TaskID": "42"}}.
type Action struct {
	Name string
	Args map[string]string
}

// ChangeConfig describes a job to be scheduled through Create. Each
// action gets its own stage row under a generated root stage.
type ChangeConfig struct {
	ID      string
	Name    string
	Actions []Action
	Notes   string
}

// Create schedules a new change job and returns its config version
// timestamp, which Approve needs.
func (c *Client) Create(ctx context.Context, cfg ChangeConfig) (time.Time, error) {
	resp, err := c.postJSON(ctx, configPath, buildConfigSet(cfg))
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Time time.Time `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, &TransportError{Op: "decode Create response", Err: err}
	}
	return out.Time, nil
}

// Approve flags the job version for execution. version must be the
// timestamp returned by Create.
func (c *Client) Approve(ctx context.Context, id string, version time.Time) error {
	body := map[string]any{
		"key":     wireKey{ID: id},
		"approve": map[string]any{"value": true},
		"version": version.Format(time.RFC3339Nano),
	}
	resp, err := c.postJSON(ctx, approvePath, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Execute starts an approved job.
func (c *Client) Execute(ctx context.Context, id string) error {
	body := map[string]any{
		"key":   wireKey{ID: id},
		"start": map[string]any{"value": true},
	}
	resp, err := c.postJSON(ctx, configPath, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func buildConfigSet(cfg ChangeConfig) map[string]any {
	const rootStageID = "stage-root"

	stages := map[string]any{}
	var rows []map[string]any
	for i, act := range cfg.Actions {
		stageID := fmt.Sprintf("stage-%d-%s", i, act.Name)
		stages[stageID] = map[string]any{
			"name":   "Scheduled action " + act.Name,
			"action": map[string]any{"name": act.Name, "args": map[string]any{"values": act.Args}},
		}
		rows = append(rows, map[string]any{"values": []string{stageID}})
	}
	stages[rootStageID] = map[string]any{
		"name": cfg.Name + " Root",
		"rows": map[string]any{"values": rows},
	}

	return map[string]any{
		"key": wireKey{ID: cfg.ID},
		"change": map[string]any{
			"name":        cfg.Name,
			"rootStageId": rootStageID,
			"stages":      map[string]any{"values": stages},
			"notes":       cfg.Notes,
		},
	}
}
