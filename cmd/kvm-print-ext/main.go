// kvm-print-ext prints information about the KVM API and the arm64 extensions.
package main

import (
	"fmt"

	"github.com/c35s/armhype/kvm"
	"github.com/c35s/armhype/vmm/arch"
)

func main() {
	sys, err := kvm.Open()
	if err != nil {
		panic(err)
	}

	defer sys.Close()

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		panic(err)
	}

	fmt.Printf("KVM API version: %d\n", version)

	if err := arch.ValidateKVM(sys); err != nil {
		fmt.Printf("not usable: %v\n", err)
	}

	fmt.Println("\n# extensions")
	for _, c := range kvm.AllCaps() {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			panic(err)
		}

		fmt.Printf("%v: %v\n", c, v)
	}

	vm, err := kvm.CreateVM(sys, 0)
	if err != nil {
		panic(err)
	}

	defer vm.Close()

	init, err := kvm.ArmPreferredTarget(vm)
	if err != nil {
		panic(err)
	}

	fmt.Println("\n# preferred target")
	fmt.Printf("target: %d\n", init.Target)
	fmt.Printf("features: %#x\n", init.Features)
}
