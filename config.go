package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is a VM config file.
//
//	cpus: 2
//	max_cpus: 4
//	memory: 1G
//	kernel: ./Image
//	disk: ./rootfs.img
type fileConfig struct {
	CPUs    int    `yaml:"cpus"`
	MaxCPUs int    `yaml:"max_cpus"`
	Memory  string `yaml:"memory"`
	Kernel  string `yaml:"kernel"`
	Disk    string `yaml:"disk"`
}

// loadConfig reads a config file. Unknown keys are an error.
func loadConfig(path string) (fileConfig, error) {
	var fc fileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	// an empty file is an empty config
	if err := dec.Decode(&fc); err != nil && len(bytes.TrimSpace(data)) > 0 {
		return fileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}

	return fc, nil
}

// override replaces each field of fc with the one from o if it's set.
func (fc *fileConfig) override(o fileConfig) {
	if o.CPUs != 0 {
		fc.CPUs = o.CPUs
	}

	if o.MaxCPUs != 0 {
		fc.MaxCPUs = o.MaxCPUs
	}

	if o.Memory != "" {
		fc.Memory = o.Memory
	}

	if o.Kernel != "" {
		fc.Kernel = o.Kernel
	}

	if o.Disk != "" {
		fc.Disk = o.Disk
	}
}
