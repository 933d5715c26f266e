package driver

import (
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(NewMockDriver("modis")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(NewMockDriver("modis")); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := reg.Register(NewMockDriver("landsat")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	d, err := reg.Get("modis")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if d.Name() != "modis" {
		t.Errorf("Expected modis, got %s", d.Name())
	}

	if _, err := reg.Get("sentinel"); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("Expected ErrUnknownDriver, got %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "landsat" || names[1] != "modis" {
		t.Errorf("Expected sorted names [landsat modis], got %v", names)
	}
}

func TestMockDriverNameGrammar(t *testing.T) {
	d := NewMockDriver("modis")
	d.Assets = []string{"MCD43A4"}

	key, err := d.ParseAssetName("MCD43A4_h12v04_2024-06-01.hdf")
	if err != nil {
		t.Fatalf("ParseAssetName failed: %v", err)
	}
	if key.AssetType != "MCD43A4" || key.Tile != "h12v04" || key.Date.String() != "2024-06-01" {
		t.Errorf("Unexpected key %+v", key)
	}

	bad := []string{
		"readme.txt",
		"MCD43A4_h12v04.hdf",
		"UNKNOWN_h12v04_2024-06-01.hdf",
		"MCD43A4_h12v04_notadate.hdf",
	}
	for _, name := range bad {
		if _, err := d.ParseAssetName(name); err == nil {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
}
