package data

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/l1jgo/ghostnet/internal/schema"
)

func TestLoadShippedGhostTypes(t *testing.T) {
	col, err := LoadGhostTypes(filepath.Join("..", "..", "data", "yaml", "ghost_types.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(col.Types) != 3 {
		t.Fatalf("expected 3 types, got %d", len(col.Types))
	}
	player, ok := col.ByName("Player")
	if !ok || player.Mode != schema.ModeOwnerPredicted {
		t.Fatalf("player type missing or wrong mode")
	}
	items := player.Fields[player.MustField("Inventory.items")]
	if items.Kind != schema.KindBuffer || player.Buffers[items.Buffer].MaxLength != 8 {
		t.Fatalf("inventory buffer not compiled: %+v", items)
	}
	if player.Fields[player.MustField("Input.seq")].Send != schema.SendOwnerOnly {
		t.Fatalf("component send mode lost")
	}
	if _, ok := player.FieldIndex("child1/Weapon.yaw"); !ok {
		t.Fatalf("child component field missing")
	}
}

func TestParseGhostTypesErrors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":  "- name: [",
		"bad kind":  "- name: A\n  components:\n    - name: C\n      fields:\n        - { name: f, kind: vector }\n",
		"bad mode":  "- name: A\n  mode: sometimes\n",
		"bad send":  "- name: A\n  components:\n    - name: C\n      send: everyone\n",
		"bad quant": "- name: A\n  components:\n    - name: C\n      fields:\n        - { name: f, kind: quantized }\n",
	}
	for name, raw := range cases {
		if _, err := ParseGhostTypes([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadGhostTypesMissingFile(t *testing.T) {
	_, err := LoadGhostTypes(filepath.Join(t.TempDir(), "none.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
