package arm64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var encodingPattern = regexp.MustCompile(`encoding:\s*\[([^\]]+)\]`)

// LLVMAssembler assembles through llvm-mc. Data directives and branches to
// absolute addresses are encoded natively since llvm-mc has no notion of
// the patch address.
type LLVMAssembler struct {
	// Path to llvm-mc. Looked up on PATH (or through xcrun) when empty.
	Path string
}

// FindLLVMMC locates llvm-mc on PATH or through xcrun.
func FindLLVMMC() (string, error) {
	if path, err := exec.LookPath("llvm-mc"); err == nil {
		return path, nil
	}
	if xcrunPath, err := exec.LookPath("xcrun"); err == nil {
		cmd := exec.Command(xcrunPath, "--find", "llvm-mc")
		if out, err := cmd.Output(); err == nil {
			if resolved := strings.TrimSpace(string(out)); resolved != "" {
				return resolved, nil
			}
		}
	}
	return "", errors.New("llvm-mc not found; install LLVM (e.g. `brew install llvm`) or ensure llvm-mc is on PATH")
}

func needsNative(line string) bool {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return true
	}
	if strings.HasPrefix(fields[0], ".") {
		return true
	}
	switch m := fields[0]; {
	case m == "b", m == "bl", m == "cbz", m == "cbnz", m == "tbz", m == "tbnz", m == "adr", strings.HasPrefix(m, "b."):
		last := fields[len(fields)-1]
		return !strings.HasPrefix(last, "#")
	}
	return false
}

// Assemble implements Assembler.
func (a LLVMAssembler) Assemble(src string, pc uint64) ([]byte, error) {
	lines := SplitLines(src)
	words := make([]uint32, len(lines))

	var (
		batch []string
		slots []int
	)
	for idx, line := range lines {
		if needsNative(line) {
			w, err := assembleLine(line, pc+uint64(4*idx))
			if err != nil {
				return nil, fmt.Errorf("failed to assemble %q: %w", line, err)
			}
			words[idx] = w
			continue
		}
		batch = append(batch, line)
		slots = append(slots, idx)
	}

	if len(batch) > 0 {
		encoded, err := a.run(batch)
		if err != nil {
			return nil, err
		}
		for i, w := range encoded {
			words[slots[i]] = w
		}
	}

	return Join(words...), nil
}

func (a LLVMAssembler) run(instructions []string) ([]uint32, error) {
	llvmPath := a.Path
	if llvmPath == "" {
		var err error
		if llvmPath, err = FindLLVMMC(); err != nil {
			return nil, err
		}
	}

	var input strings.Builder
	input.WriteString(".text\n")
	for _, ins := range instructions {
		input.WriteString("    ")
		input.WriteString(ins)
		input.WriteByte('\n')
	}

	cmd := exec.Command(llvmPath, "-triple=arm64-apple-macos", "-mattr=+all", "-show-encoding")
	cmd.Stdin = strings.NewReader(input.String())

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble instructions with llvm-mc: %w\n%s", err, strings.TrimSpace(string(output)))
	}

	matches := encodingPattern.FindAllStringSubmatch(string(output), -1)
	if len(matches) != len(instructions) {
		return nil, fmt.Errorf("expected %d encodings from llvm-mc, got %d\n%s", len(instructions), len(matches), strings.TrimSpace(string(output)))
	}

	words := make([]uint32, 0, len(instructions))
	for idx, match := range matches {
		var encoded []byte
		for _, entry := range strings.Split(match[1], ",") {
			entry = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(entry)), "0x")
			if entry == "" {
				continue
			}
			val, err := strconv.ParseUint(entry, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("failed to parse llvm-mc byte %q: %w", entry, err)
			}
			encoded = append(encoded, byte(val))
		}
		if len(encoded) != 4 {
			return nil, fmt.Errorf("instruction %q produced %d bytes", instructions[idx], len(encoded))
		}
		words = append(words, binary.LittleEndian.Uint32(encoded))
	}
	return words, nil
}

// NewAssembler returns the assembler named by backend: "native", "llvm", or
// "auto" (llvm-mc when it can be found, native otherwise).
func NewAssembler(backend, llvmPath string) (Assembler, error) {
	switch backend {
	case "", "native":
		return NativeAssembler{}, nil
	case "llvm":
		if llvmPath == "" {
			p, err := FindLLVMMC()
			if err != nil {
				return nil, err
			}
			llvmPath = p
		}
		return LLVMAssembler{Path: llvmPath}, nil
	case "auto":
		if llvmPath == "" {
			p, err := FindLLVMMC()
			if err != nil {
				return NativeAssembler{}, nil
			}
			llvmPath = p
		}
		return LLVMAssembler{Path: llvmPath}, nil
	}
	return nil, fmt.Errorf("unknown assembler backend %q", backend)
}
