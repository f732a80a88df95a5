package netbox

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
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("netbox: unauthorized")

// Client is a thin wrapper over the inventory database's REST API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient builds a Client for the NetBox instance at baseURL. certFile
// is an optional CA bundle for instances behind a private CA; SSL
// failures usually mean the wrong bundle was supplied.
func NewClient(baseURL, token, certFile string) (*Client, error) {
	tlsCfg := &tls.Config{}
	if certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read cert file: %w (NETBOX_CERT must point at the CA bundle for your NetBox server)", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("cert file %s contains no usable certificates", certFile)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// Device is the subset of a NetBox device record the inventory builder
// needs.
type Device struct {
	Name      string `json:"name"`
	PrimaryIP *struct {
		Address string `json:"address"`
	} `json:"primary_ip"`
}

// IP returns the primary address without its prefix length, or 0.0.0.0
// when the device has no primary IP assigned.
func (d Device) IP() string {
	if d.PrimaryIP == nil || d.PrimaryIP.Address == "" {
		return "0.0.0.0"
	}
	addr := d.PrimaryIP.Address
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// ListDevices fetches devices filtered by role slug and site slug.
func (c *Client) ListDevices(ctx context.Context, role, site string) ([]Device, error) {
	q := url.Values{"role": {role}, "site": {site}}
	u := c.baseURL + "/api/dcim/devices/?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Results []Device `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("netbox: decode device list: %w", err)
	}
	return out.Results, nil
}

// UpdateVLANStatus patches the deployment_status custom field on a VLAN.
// The relay and pipeline use it to reflect change-job outcomes back into
// the inventory UI.
func (c *Client) UpdateVLANStatus(ctx context.Context, vlanID int, status string) error {
	payload := map[string]any{
		"custom_fields": map[string]any{"deployment_status": status},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/api/ipam/vlans/%d/", c.baseURL, vlanID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netbox: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, fmt.Errorf("%w (HTTP %d)", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("netbox: %s %s: HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp, nil
}
