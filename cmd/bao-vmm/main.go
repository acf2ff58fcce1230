// bao-vmm is the process entry point for the Virtio device backend: it
// loads a YAML device configuration, attaches to the hypervisor control
// device, and runs one orchestrator per configured device until signalled
// to stop (spec.md §6 "process exit codes").
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bao-project/bao-virtio-dm/internal/baoabi"
	"github.com/bao-project/bao-virtio-dm/internal/config"
	"github.com/bao-project/bao-virtio-dm/internal/vmm"
)

func main() {
	configPath := flag.String("config", "", "path to the devices YAML configuration")
	controlPath := flag.String("control", baoabi.DefaultControlPath, "path to the hypervisor control device")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "bao-vmm: -config is required")
		os.Exit(1)
	}

	devices, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bao-vmm: load config: %v\n", err)
		os.Exit(1)
	}

	ctl, err := baoabi.OpenControl(*controlPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bao-vmm: open control device: %v\n", err)
		os.Exit(1)
	}
	defer ctl.Close()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	vms := make([]*vmm.VM, 0, len(devices))
	for _, dev := range devices {
		v, err := vmm.New(ctl, dev, log.With("device", dev.ID, "kind", dev.Kind))
		if err != nil {
			fmt.Fprintf(os.Stderr, "bao-vmm: setup device %d: %v\n", dev.ID, err)
			for _, running := range vms {
				running.Close()
			}
			os.Exit(1)
		}
		vms = append(vms, v)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		for _, v := range vms {
			v.Stop()
		}
	}()

	var wg sync.WaitGroup
	exitCode := 0
	var mu sync.Mutex
	for _, v := range vms {
		wg.Add(1)
		go func(v *vmm.VM) {
			defer wg.Done()
			if err := v.Run(); err != nil {
				log.Error("vm terminated", "err", err)
				mu.Lock()
				exitCode = 1
				mu.Unlock()
			}
		}(v)
	}
	wg.Wait()

	for _, v := range vms {
		v.Close()
	}
	os.Exit(exitCode)
}
