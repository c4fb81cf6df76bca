// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package pipelinecache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func testIdentity(tag byte) Identity {
	var id Identity
	id.DeviceUUID[0] = tag
	id.DriverVer = 7
	id.VendorVer = 0
	return id
}

// TestPipelineRoundTrip is property test #8: a saved pipeline binary
// reopened under the same identity and mtime comes back byte-identical.
func TestPipelineRoundTrip(t *testing.T) {
	id := testIdentity(0xAA)
	c, err := Open(id)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cleanupEntries(t, c, "aa-test-shader") })

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	const mtime = int64(1700000000)
	c.SavePipeline("aa-test-shader", mtime, payload)
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(id)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c2.LoadPipeline("aa-test-shader", mtime)
	if !ok {
		t.Fatal("expected pipeline entry to be found after reopen")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-tripped payload = %v, want %v", got, payload)
	}

	if _, ok := c2.LoadPipeline("aa-test-shader", mtime+1); ok {
		t.Error("expected mismatched mtime to miss")
	}
}

// TestRawRoundTrip exercises the raw-blob store, whose entries are
// keyed without an mtime (always stamped 0).
func TestRawRoundTrip(t *testing.T) {
	id := testIdentity(0xBB)
	c, err := Open(id)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cleanupEntries(t, c, "bb-test-fft-plan") })

	payload := []byte("serialized fft plan")
	c.SaveRaw("bb-test-fft-plan", payload)
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(id)
	if err != nil {
		t.Fatal(err)
	}
	got, stale, ok := c2.LoadRaw("bb-test-fft-plan", 0)
	if !ok {
		t.Fatal("expected raw entry to be found after reopen")
	}
	if stale {
		t.Error("raw entry should not report stale at mtime 0")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-tripped payload = %v, want %v", got, payload)
	}
}

// TestIdentityMismatchDiscarded checks that entries saved under one
// device identity are invisible when reopened under another.
func TestIdentityMismatchDiscarded(t *testing.T) {
	id := testIdentity(0xCC)
	c, err := Open(id)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cleanupEntries(t, c, "cc-test-shader") })

	c.SavePipeline("cc-test-shader", 42, []byte{9, 9, 9})
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	other := testIdentity(0xDD)
	c2, err := Open(other)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c2.LoadPipeline("cc-test-shader", 42); ok {
		t.Error("expected entry under a different identity to be discarded")
	}
}

func cleanupEntries(t *testing.T, c *Cache, key string) {
	t.Helper()
	os.Remove(filepath.Join(c.dir, "shader_pipeline_"+key+".bin"))
	os.Remove(filepath.Join(c.dir, "shader_raw_"+key+".bin"))
}
