package main

import (
	"context"

	"github.com/c35s/armhype/os/linux"
	"github.com/c35s/armhype/vmm"
)

func main() {
	cfg := vmm.Config{
		BootVCPUs:  2,
		MemSize:    512 << 20,
		KernelPath: ".build/linux/guest/arch/arm64/boot/Image",
		Loader:     new(linux.Loader),
	}

	m, err := vmm.New(cfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	if err := m.Run(context.TODO()); err != nil {
		panic(err)
	}
}
