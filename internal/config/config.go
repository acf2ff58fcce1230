// Package config decodes the YAML device configuration the external CLI
// loads and feeds into the core as DeviceConfig records (spec.md §6
// "Configuration file (consumed, not owned)"). Grounded on the teacher's
// gopkg.in/yaml.v3 dependency. Of the core packages, only the orchestrator
// (internal/vmm) imports this one, for the DeviceConfig record.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// Dataplane names the backend that services a device's Virtqueues.
type Dataplane string

const (
	DataplaneVirtio    Dataplane = "virtio"
	DataplaneVhost     Dataplane = "vhost"
	DataplaneVhostUser Dataplane = "vhost_user"
)

// Kind names a device's Virtio device class.
type Kind string

const (
	KindBlock   Kind = "block"
	KindNet     Kind = "net"
	KindConsole Kind = "console"
	KindVsock   Kind = "vsock"
	KindFs      Kind = "fs"
)

// SharedMemory is a device's Virtqueue/buffer mapping window.
type SharedMemory struct {
	Path      string `yaml:"path"`
	GuestBase uint64 `yaml:"guest_base"`
	Size      uint64 `yaml:"size"`
}

// BlockOptions are the block-kind-specific DeviceConfig fields.
type BlockOptions struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only"`
	Flush    bool   `yaml:"flush"`
}

// NetOptions are the net-kind-specific DeviceConfig fields.
type NetOptions struct {
	TapName string `yaml:"tap_name"`
	MAC     string `yaml:"mac"`
}

// ConsoleOptions are the console-kind-specific DeviceConfig fields.
type ConsoleOptions struct {
	PtyAlias string `yaml:"pty_alias"`
}

// VsockOptions are the vsock-kind-specific DeviceConfig fields.
type VsockOptions struct {
	GuestCID   uint32 `yaml:"guest_cid"`
	SocketPath string `yaml:"socket_path"`
}

// FsOptions are the fs-kind-specific DeviceConfig fields (vhost-user only).
type FsOptions struct {
	Tag        string `yaml:"tag"`
	SocketPath string `yaml:"socket_path"`
}

// DeviceConfig is one entry of the YAML devices: array (spec.md §3).
type DeviceConfig struct {
	ID        uint16       `yaml:"id"`
	Kind      Kind         `yaml:"kind"`
	Dataplane Dataplane    `yaml:"dataplane"`
	MmioBase  uint64       `yaml:"mmio_base"`
	IRQ       uint32       `yaml:"irq"`

	SharedMemory SharedMemory `yaml:"shared_memory"`

	Block   *BlockOptions   `yaml:"block,omitempty"`
	Net     *NetOptions     `yaml:"net,omitempty"`
	Console *ConsoleOptions `yaml:"console,omitempty"`
	Vsock   *VsockOptions   `yaml:"vsock,omitempty"`
	Fs      *FsOptions      `yaml:"fs,omitempty"`
}

// document is the top-level YAML shape.
type document struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// Load reads and decodes a devices: YAML document from path.
func Load(path string) ([]DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %s", baoerr.ErrParseFailure, path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %s", baoerr.ErrParseFailure, path, err)
	}
	for i := range doc.Devices {
		if err := doc.Devices[i].validate(); err != nil {
			return nil, err
		}
	}
	return doc.Devices, nil
}

func (c *DeviceConfig) validate() error {
	switch c.Kind {
	case KindBlock, KindNet, KindConsole, KindVsock, KindFs:
	default:
		return fmt.Errorf("%w: kind=%q", baoerr.ErrBaoDevNotSupported, c.Kind)
	}
	switch c.Dataplane {
	case DataplaneVirtio, DataplaneVhost, DataplaneVhostUser:
	default:
		return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
	}
	switch c.Kind {
	case KindBlock:
		if c.Block == nil {
			return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
		}
	case KindNet:
		if c.Net == nil {
			return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
		}
	case KindConsole:
		if c.Console == nil {
			return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
		}
	case KindVsock:
		if c.Vsock == nil {
			return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
		}
	case KindFs:
		if c.Fs == nil {
			return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
		}
		if c.Dataplane != DataplaneVhostUser {
			return &baoerr.WrongDeviceConfiguration{Kind: string(c.Kind), Dataplane: string(c.Dataplane)}
		}
	}
	return nil
}
