package baoabi

import "testing"

// Matches the Bao kernel driver's published ioctl magic numbers bit-exact
// (spec.md §8 testable property 4, §6 table).
func TestIoctlMagicNumbers(t *testing.T) {
	cases := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"backend_create", ioctlBackendCreate, 0x4004A601},
		{"backend_destroy", ioctlBackendDestroy, 0x4004A602},
		{"io_create_client", ioctlIOCreateClient, 0x0000A603},
		{"io_destroy_client", ioctlIODestroyClient, 0x0000A604},
		{"io_attach_client", ioctlIOAttachClient, 0x0000A605},
		{"io_request", ioctlIORequest, 0xC048A606},
		{"io_request_done", ioctlIORequestDone, 0x4048A607},
		{"io_notify_guest", ioctlIONotifyGuest, 0x0000A608},
		{"ioeventfd", ioctlIoEventFd, 0x4020A609},
		{"irqfd", ioctlIrqFd, 0x4008A60A},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Fatalf("got 0x%08X, want 0x%08X", c.got, c.want)
			}
		})
	}
}
