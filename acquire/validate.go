// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package acquire

import (
	"debug/elf"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/arch"
)

var elfArches = map[elf.Machine]string{
	elf.EM_X86_64:  arch.AMD64,
	elf.EM_AARCH64: arch.ARM64,
	elf.EM_PPC64:   arch.PPC64EL,
	elf.EM_S390:    arch.S390X,
	elf.EM_RISCV:   arch.RISCV64,
}

// hostArch is patched in tests.
var hostArch = arch.HostArch

// ValidateBinary checks that the file at path is a well-formed native
// executable for the host architecture. Deploying an artifact built
// for the wrong architecture is a real, observed failure mode: the
// file installs fine and then every exec fails.
func ValidateBinary(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return errors.WithType(
			errors.Annotatef(err, "%q is not a well-formed executable", path),
			ErrArchitectureMismatch,
		)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return errors.WithType(
			errors.Errorf("%q is not an executable (ELF type %v)", path, f.Type),
			ErrArchitectureMismatch,
		)
	}
	binArch, ok := elfArches[f.Machine]
	if !ok || binArch != hostArch() {
		return errors.WithType(
			errors.Errorf("%q is built for %v, host is %s", path, f.Machine, hostArch()),
			ErrArchitectureMismatch,
		)
	}
	return nil
}

// BinaryArch returns the architecture tag of the executable at path,
// without requiring it to match the host.
func BinaryArch(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", errors.Annotatef(err, "%q is not a well-formed executable", path)
	}
	defer f.Close()
	if binArch, ok := elfArches[f.Machine]; ok {
		return binArch, nil
	}
	return "", errors.Errorf("unknown machine type %v in %q", f.Machine, path)
}
