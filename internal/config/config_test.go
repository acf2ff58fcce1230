package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidBlockDevice(t *testing.T) {
	path := writeTemp(t, `
devices:
  - id: 0
    kind: block
    dataplane: virtio
    mmio_base: 0x10000000
    irq: 32
    shared_memory:
      path: /dev/shm/vm0-virtio
      guest_base: 0x40000000
      size: 0x200000
    block:
      path: /var/lib/bao/disk0.img
      read_only: false
      flush: true
`)
	devices, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	d := devices[0]
	if d.Kind != KindBlock || d.Dataplane != DataplaneVirtio {
		t.Fatalf("unexpected kind/dataplane: %+v", d)
	}
	if d.Block == nil || d.Block.Path != "/var/lib/bao/disk0.img" || !d.Block.Flush {
		t.Fatalf("unexpected block options: %+v", d.Block)
	}
	if d.MmioBase != 0x10000000 || d.IRQ != 32 {
		t.Fatalf("unexpected mmio_base/irq: %+v", d)
	}
}

func TestLoadMissingKindOptionsRejected(t *testing.T) {
	path := writeTemp(t, `
devices:
  - id: 0
    kind: block
    dataplane: virtio
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for block device without block: options")
	}
}

func TestLoadUnknownKindRejected(t *testing.T) {
	path := writeTemp(t, `
devices:
  - id: 0
    kind: gpu
    dataplane: virtio
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported device kind")
	}
}

func TestLoadFsRequiresVhostUser(t *testing.T) {
	path := writeTemp(t, `
devices:
  - id: 0
    kind: fs
    dataplane: virtio
    fs:
      tag: share0
      socket_path: /tmp/vfs.sock
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error: fs device requires vhost_user dataplane")
	}
}
