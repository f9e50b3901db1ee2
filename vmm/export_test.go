//go:build linux

package vmm

import "testing"

// SetVCPUSpawnedHook calls fn on each VCPU goroutine before it waits to start.
func SetVCPUSpawnedHook(t *testing.T, fn func(slot int)) {
	prev := vcpuSpawned
	vcpuSpawned = fn
	t.Cleanup(func() { vcpuSpawned = prev })
}
