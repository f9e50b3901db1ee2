package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/c35s/armhype/os/linux"
	"github.com/c35s/armhype/vmm"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// CLI is the command line.
type CLI struct {
	LogLevel string `help:"Log level." enum:"debug,info,warn,error" default:"info"`

	Run    RunCmd    `cmd:"" help:"Boot a VM and wait for it to stop."`
	Pause  PauseCmd  `cmd:"" help:"Pause a running VM."`
	Resume ResumeCmd `cmd:"" help:"Resume a paused VM."`
	Stop   StopCmd   `cmd:"" help:"Stop a running VM."`
}

const (
	defaultCPUs = 1
	defaultMem  = "512M"
)

// RunCmd boots a VM. Flags override the config file.
type RunCmd struct {
	CPUs    int    `name:"cpus" help:"Number of VCPUs at boot (default 1)."`
	MaxCPUs int    `name:"max-cpus" help:"Most VCPUs the VM may have (default --cpus)."`
	Mem     string `help:"Memory size as num[gGmMkK], in MiB if there's no unit (default 512M)."`
	Kernel  string `type:"path" help:"Path of the arm64 kernel Image."`
	Disk    string `type:"path" help:"Path of a disk image (unused)."`
	Config  string `type:"existingfile" help:"YAML file with the VM config."`
}

func (c *RunCmd) Run() error {
	cfg, err := c.vmConfig()
	if err != nil {
		return err
	}

	m, err := vmm.New(cfg)
	if err != nil {
		return err
	}

	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	return m.Run(ctx)
}

// vmConfig merges the config file and flags into a vmm.Config.
func (c *RunCmd) vmConfig() (vmm.Config, error) {
	var fc fileConfig
	if c.Config != "" {
		var err error
		if fc, err = loadConfig(c.Config); err != nil {
			return vmm.Config{}, err
		}
	}

	fc.override(fileConfig{
		CPUs:    c.CPUs,
		MaxCPUs: c.MaxCPUs,
		Memory:  c.Mem,
		Kernel:  c.Kernel,
		Disk:    c.Disk,
	})

	if fc.CPUs == 0 {
		fc.CPUs = defaultCPUs
	}

	if fc.Memory == "" {
		fc.Memory = defaultMem
	}

	memSize, err := ParseSize(fc.Memory, "m")
	if err != nil {
		return vmm.Config{}, fmt.Errorf("memory size: %w", err)
	}

	return vmm.Config{
		BootVCPUs:  fc.CPUs,
		MaxVCPUs:   fc.MaxCPUs,
		MemSize:    memSize,
		KernelPath: fc.Kernel,
		DiskPath:   fc.Disk,
		Loader:     new(linux.Loader),
	}, nil
}

// PauseCmd, ResumeCmd and StopCmd need a registry of running VMs by name,
// which doesn't exist yet.

type PauseCmd struct {
	Name string `arg:"" help:"Name of the VM."`
}

func (c *PauseCmd) Run() error {
	return notImplemented("pause", c.Name)
}

type ResumeCmd struct {
	Name string `arg:"" help:"Name of the VM."`
}

func (c *ResumeCmd) Run() error {
	return notImplemented("resume", c.Name)
}

type StopCmd struct {
	Name string `arg:"" help:"Name of the VM."`
}

func (c *StopCmd) Run() error {
	return notImplemented("stop", c.Name)
}

func notImplemented(cmd, name string) error {
	slog.Warn(cmd+" is not implemented", "name", name)
	return fmt.Errorf("%s %s: %w", cmd, name, vmm.ErrNotImplemented)
}

// newLogger returns a text logger if w is a terminal and a JSON logger otherwise.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}
