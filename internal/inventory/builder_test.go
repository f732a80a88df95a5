package inventory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"netbox-avd-sync/internal/inventory"
	"netbox-avd-sync/internal/netbox"
)

type fakeLister struct {
	byRole map[string][]netbox.Device
	calls  []string
}

func (f *fakeLister) ListDevices(ctx context.Context, role, site string) ([]netbox.Device, error) {
	f.calls = append(f.calls, role+"@"+site)
	return f.byRole[role], nil
}

func device(name, addr string) netbox.Device {
	d := netbox.Device{Name: name}
	if addr != "" {
		d.PrimaryIP = &struct {
			Address string `json:"address"`
		}{Address: addr}
	}
	return d
}

func TestRender_GroupsByRole(t *testing.T) {
	nb := &fakeLister{byRole: map[string][]netbox.Device{
		"spine":  {device("dc1-spine1", "10.0.0.1/24")},
		"l3leaf": {device("dc1-leaf1", "10.0.1.1/24"), device("dc1-leaf2", "")},
	}}
	b := inventory.NewBuilder(nb, "cvp.example.com", "svc", "secret")

	rendered, err := b.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		t.Fatalf("rendered inventory is not valid yaml: %v\n%s", err, rendered)
	}

	all := doc["all"].(map[string]any)
	children := all["children"].(map[string]any)
	spines := children["spines"].(map[string]any)["hosts"].(map[string]any)
	if spines["dc1-spine1"].(map[string]any)["ansible_host"] != "10.0.0.1" {
		t.Fatalf("expected spine host with stripped prefix, got %#v", spines)
	}
	leaves := children["l3leafs"].(map[string]any)["hosts"].(map[string]any)
	if leaves["dc1-leaf2"].(map[string]any)["ansible_host"] != "0.0.0.0" {
		t.Fatalf("expected fallback address, got %#v", leaves)
	}
	if all["vars"].(map[string]any)["cvp_host"] != "cvp.example.com" {
		t.Fatalf("expected cvp vars in inventory")
	}
}

func TestSync_WriteOnlyOnChange(t *testing.T) {
	nb := &fakeLister{byRole: map[string][]netbox.Device{
		"spine": {device("dc1-spine1", "10.0.0.1/24")},
	}}
	b := inventory.NewBuilder(nb, "cvp", "u", "p")
	path := filepath.Join(t.TempDir(), "inventory.yml")

	changed, err := b.Sync(context.Background(), path)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !changed {
		t.Fatalf("expected initial sync to write the file")
	}

	changed, err = b.Sync(context.Background(), path)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if changed {
		t.Fatalf("expected unchanged inventory to skip the write")
	}

	// drift in NetBox shows up as a change
	nb.byRole["spine"] = append(nb.byRole["spine"], device("dc1-spine2", "10.0.0.2/24"))
	changed, err = b.Sync(context.Background(), path)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if !changed {
		t.Fatalf("expected device drift to rewrite the file")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("inventory file missing: %v", err)
	}
}
