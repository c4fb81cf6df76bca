// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package pipelinecache implements the persistent, on-disk cache
// of compiled shader binaries and vendored FFT plan blobs described
// in the compute core's component design: a process-wide cache
// stored under an OS-specific user cache directory, keyed by
// (device-UUID, driver-version, shader-path or FFT key,
// source-mtime, vendor-lib-version) and CRC32-validated.
package pipelinecache

import (
	"encoding/binary"
	"hash/crc32"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const dirName = "scopecore-pipeline-cache"

// header is the fixed on-disk layout preceding every cache entry's
// payload.
type header struct {
	DeviceUUID   [16]byte
	DriverVer    uint32
	VendorVer    uint32
	FileMtime    int64
	Length       uint32
	CRC32        uint32
}

const headerSize = 16 + 4 + 4 + 8 + 4 + 4

func (h *header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:16], h.DeviceUUID[:])
	binary.LittleEndian.PutUint32(b[16:20], h.DriverVer)
	binary.LittleEndian.PutUint32(b[20:24], h.VendorVer)
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.FileMtime))
	binary.LittleEndian.PutUint32(b[32:36], h.Length)
	binary.LittleEndian.PutUint32(b[36:40], h.CRC32)
	return b
}

func unmarshalHeader(b []byte) (h header, ok bool) {
	if len(b) < headerSize {
		return
	}
	copy(h.DeviceUUID[:], b[0:16])
	h.DriverVer = binary.LittleEndian.Uint32(b[16:20])
	h.VendorVer = binary.LittleEndian.Uint32(b[20:24])
	h.FileMtime = int64(binary.LittleEndian.Uint64(b[24:32]))
	h.Length = binary.LittleEndian.Uint32(b[32:36])
	h.CRC32 = binary.LittleEndian.Uint32(b[36:40])
	ok = true
	return
}

// Identity describes the device/driver/vendor-library triple that
// every cache lookup and save is scoped to.
type Identity struct {
	DeviceUUID [16]byte
	DriverVer  uint32
	VendorVer  uint32
}

// entry is one loaded (or pending-save) cache slot.
type entry struct {
	hdr     header
	payload []byte
	dirty   bool
}

// Cache is a mutex-protected, process-wide pipeline cache with two
// independently keyed stores: raw opaque blobs (e.g. FFT plan
// serializations) and accelerator pipeline binaries, both keyed by
// string.
type Cache struct {
	mu   sync.Mutex
	dir  string
	id   Identity
	raw  map[string]*entry
	pipe map[string]*entry
}

// Open loads (or creates) the on-disk cache rooted at the OS user
// cache directory for the given identity. Entries whose
// device/driver/vendor-version fields mismatch id are silently
// discarded at load time.
func Open(id Identity) (*Cache, error) {
	root, err := os.UserCacheDir()
	if err != nil {
		root = os.TempDir()
	}
	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{
		dir:  dir,
		id:   id,
		raw:  make(map[string]*entry),
		pipe: make(map[string]*entry),
	}
	c.load()
	return c, nil
}

func (c *Cache) load() {
	ents, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, de := range ents {
		name := de.Name()
		var store map[string]*entry
		var prefix string
		switch {
		case strings.HasPrefix(name, "shader_raw_"):
			store, prefix = c.raw, "shader_raw_"
		case strings.HasPrefix(name, "shader_pipeline_"):
			store, prefix = c.pipe, "shader_pipeline_"
		default:
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bin")
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		hdr, ok := unmarshalHeader(data)
		if !ok {
			continue
		}
		payload := data[headerSize:]
		if len(payload) < int(hdr.Length) {
			continue
		}
		payload = payload[:hdr.Length]
		if crc32.ChecksumIEEE(payload) != hdr.CRC32 {
			log.Printf("pipelinecache: %s: CRC mismatch, discarding", name)
			continue
		}
		if hdr.DeviceUUID != c.id.DeviceUUID || hdr.DriverVer != c.id.DriverVer || hdr.VendorVer != c.id.VendorVer {
			// Stale for this device/driver/vendor combination;
			// discarded but the file itself is left alone until
			// the next Save overwrites it.
			continue
		}
		store[key] = &entry{hdr: hdr, payload: payload}
	}
}

// LoadRaw returns the cached raw blob for key, and whether the
// mtime recorded for it still matches wantMtime (entries with a
// mismatched mtime are returned but flagged stale so the caller can
// decide whether to rebuild; they are never deleted outright).
func (c *Cache) LoadRaw(key string, wantMtime int64) (payload []byte, stale bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.raw[key]
	if !found {
		return nil, false, false
	}
	return e.payload, e.hdr.FileMtime != wantMtime, true
}

// SaveRaw stores a raw blob for key. Per the spec's documented
// ambiguity, raw entries always stamp FileMtime as 0 — staleness
// detection for them relies solely on the device/driver/vendor
// triple (see DESIGN.md Open Questions).
func (c *Cache) SaveRaw(key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw[key] = &entry{
		hdr: header{
			DeviceUUID: c.id.DeviceUUID,
			DriverVer:  c.id.DriverVer,
			VendorVer:  c.id.VendorVer,
			FileMtime:  0,
			Length:     uint32(len(payload)),
			CRC32:      crc32.ChecksumIEEE(payload),
		},
		payload: append([]byte(nil), payload...),
		dirty:   true,
	}
}

// LoadPipeline returns the cached pipeline binary for
// shaderBasename, keyed together with the shader file's current
// mtime. An entry whose stored mtime does not match wantMtime is
// ignored (but, per spec, not deleted).
func (c *Cache) LoadPipeline(shaderBasename string, wantMtime int64) (payload []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.pipe[shaderBasename]
	if !found || e.hdr.FileMtime != wantMtime {
		return nil, false
	}
	return e.payload, true
}

// SavePipeline stores a pipeline binary for shaderBasename, stamped
// with the shader file's current mtime.
func (c *Cache) SavePipeline(shaderBasename string, mtime int64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipe[shaderBasename] = &entry{
		hdr: header{
			DeviceUUID: c.id.DeviceUUID,
			DriverVer:  c.id.DriverVer,
			VendorVer:  c.id.VendorVer,
			FileMtime:  mtime,
			Length:     uint32(len(payload)),
			CRC32:      crc32.ChecksumIEEE(payload),
		},
		payload: append([]byte(nil), payload...),
		dirty:   true,
	}
}

// Save atomically writes every dirty entry to disk. It is safe to
// call multiple times; clean entries are skipped. Intended to run
// on explicit save and at process exit.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.raw {
		if !e.dirty {
			continue
		}
		if err := c.writeAtomic("shader_raw_"+key+".bin", e); err != nil {
			return err
		}
		e.dirty = false
	}
	for key, e := range c.pipe {
		if !e.dirty {
			continue
		}
		if err := c.writeAtomic("shader_pipeline_"+key+".bin", e); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

func (c *Cache) writeAtomic(name string, e *entry) error {
	final := filepath.Join(c.dir, name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(e.hdr.marshal()); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(e.payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Close saves any dirty entries and releases the cache. It mirrors
// the "written atomically on process exit" requirement without
// relying on a process-exit hook, since callers control their own
// Context teardown order (see internal/ctx).
func (c *Cache) Close() error { return c.Save() }
