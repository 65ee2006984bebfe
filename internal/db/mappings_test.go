package db

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *MappingsDatabase {
	t.Helper()
	mdb, err := NewMappingsDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewMappingsDatabase: %v", err)
	}
	t.Cleanup(func() { mdb.Close() })
	return mdb
}

func TestButtonMappingUpsert(t *testing.T) {
	mdb := openTestDB(t)

	m := ButtonMapping{ActivityID: 9, ButtonCode: 0x1C, DeviceID: 4, CommandID: 0x30, Label: "VOL+"}
	if err := mdb.SetButtonMapping(m); err != nil {
		t.Fatalf("SetButtonMapping: %v", err)
	}
	m.CommandID = 0x31
	m.Label = "VOL-"
	if err := mdb.SetButtonMapping(m); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := mdb.ButtonMappings(9)
	if err != nil {
		t.Fatalf("ButtonMappings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1 (upsert, not insert)", len(got))
	}
	if got[0].CommandID != 0x31 || got[0].Label != "VOL-" {
		t.Fatalf("row = %+v", got[0])
	}
}

func TestButtonMappingsScopedToActivity(t *testing.T) {
	mdb := openTestDB(t)

	mdb.SetButtonMapping(ButtonMapping{ActivityID: 9, ButtonCode: 1, DeviceID: 4, CommandID: 10})
	mdb.SetButtonMapping(ButtonMapping{ActivityID: 9, ButtonCode: 2, DeviceID: 4, CommandID: 11})
	mdb.SetButtonMapping(ButtonMapping{ActivityID: 12, ButtonCode: 1, DeviceID: 5, CommandID: 20})

	got, err := mdb.ButtonMappings(9)
	if err != nil {
		t.Fatalf("ButtonMappings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows for activity 9 = %d, want 2", len(got))
	}

	n, err := mdb.ClearActivityMappings(9)
	if err != nil {
		t.Fatalf("ClearActivityMappings: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared = %d, want 2", n)
	}
	if got, _ := mdb.ButtonMappings(12); len(got) != 1 {
		t.Fatal("clear leaked into another activity")
	}
}

func TestDeleteButtonMappingMissingRow(t *testing.T) {
	mdb := openTestDB(t)
	if err := mdb.DeleteButtonMapping(1, 99); err != nil {
		t.Fatalf("deleting a missing row should not error: %v", err)
	}
}

func TestIPCommandRoundTrip(t *testing.T) {
	mdb := openTestDB(t)

	rec := IPCommandRecord{
		DeviceID: 7, ButtonID: 1, Name: "Power On",
		Method: "POST", URL: "http://192.168.2.40:8060/keypress/PowerOn",
		Headers: "Content-Type: text/plain",
	}
	if err := mdb.SaveIPCommand(rec); err != nil {
		t.Fatalf("SaveIPCommand: %v", err)
	}
	mdb.SaveIPCommand(IPCommandRecord{DeviceID: 7, ButtonID: 2, URL: "http://x/", Method: "GET"})

	got, err := mdb.IPCommands(7)
	if err != nil {
		t.Fatalf("IPCommands: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0] != rec {
		t.Fatalf("row = %+v, want %+v", got[0], rec)
	}

	if err := mdb.DeleteDeviceIPCommands(7); err != nil {
		t.Fatalf("DeleteDeviceIPCommands: %v", err)
	}
	if got, _ := mdb.IPCommands(7); len(got) != 0 {
		t.Fatal("rows remain after device delete")
	}
}

func TestActivationLog(t *testing.T) {
	mdb := openTestDB(t)

	for i := 0; i < 3; i++ {
		if err := mdb.RecordActivation(9, "A"); err != nil {
			t.Fatalf("RecordActivation: %v", err)
		}
	}
	mdb.RecordActivation(12, "H")

	got, err := mdb.RecentActivations(2)
	if err != nil {
		t.Fatalf("RecentActivations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0].ActivityID != 12 {
		t.Fatalf("newest first expected, got %+v", got[0])
	}

	n, err := mdb.PruneActivations(-time.Minute)
	if err != nil {
		t.Fatalf("PruneActivations: %v", err)
	}
	if n != 4 {
		t.Fatalf("pruned = %d, want 4", n)
	}
}
