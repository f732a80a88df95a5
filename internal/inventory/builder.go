// Package inventory regenerates the AVD ansible inventory from the
// device records in NetBox. Devices are grouped by role slug; only a
// content change results in a write, so pipeline stages can key off the
// exit status.
package inventory

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"netbox-avd-sync/internal/netbox"
)

const site = "dc1"

// DeviceLister is the slice of the NetBox client the builder needs.
type DeviceLister interface {
	ListDevices(ctx context.Context, role, site string) ([]netbox.Device, error)
}

type Builder struct {
	netbox  DeviceLister
	cvpHost string
	cvpUser string
	cvpPass string
}

func NewBuilder(nb DeviceLister, cvpHost, cvpUser, cvpPass string) *Builder {
	return &Builder{netbox: nb, cvpHost: cvpHost, cvpUser: cvpUser, cvpPass: cvpPass}
}

type host struct {
	AnsibleHost string `yaml:"ansible_host"`
}

type group struct {
	Hosts map[string]host `yaml:"hosts"`
}

type inventoryFile struct {
	All struct {
		Children map[string]group `yaml:"children"`
		Vars     map[string]any   `yaml:"vars"`
	} `yaml:"all"`
}

// Render fetches spines and leaves and marshals the inventory document.
func (b *Builder) Render(ctx context.Context) ([]byte, error) {
	roles := []string{"spine", "l3leaf", "l2leaf"}

	var doc inventoryFile
	doc.All.Children = make(map[string]group, len(roles))
	doc.All.Vars = map[string]any{
		"cvp_host":     b.cvpHost,
		"cvp_user":     b.cvpUser,
		"cvp_password": b.cvpPass,
	}

	for _, role := range roles {
		devices, err := b.netbox.ListDevices(ctx, role, site)
		if err != nil {
			return nil, fmt.Errorf("list %s devices: %w", role, err)
		}
		g := group{Hosts: make(map[string]host, len(devices))}
		for _, d := range devices {
			g.Hosts[d.Name] = host{AnsibleHost: d.IP()}
		}
		doc.All.Children[role+"s"] = g
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Sync renders the inventory and rewrites path only when the content
// differs. The returned bool reports whether a write happened.
func (b *Builder) Sync(ctx context.Context, path string) (bool, error) {
	rendered, err := b.Render(ctx)
	if err != nil {
		return false, err
	}

	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, rendered) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	if err := os.WriteFile(path, rendered, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
