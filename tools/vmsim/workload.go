package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/kfmt"
	"github.com/LilyZhang9911/OS-project/kernel/kmain"
	"github.com/LilyZhang9911/OS-project/kernel/mm/vmm"
	"github.com/LilyZhang9911/OS-project/kernel/proc"
)

// expectOK is the expected result of a step that must succeed.
const expectOK = "ok"

// workload is a scripted sequence of process operations.
type workload struct {
	Programs []program `toml:"program"`
	Steps    []step    `toml:"step"`
}

type program struct {
	Name     string    `toml:"name"`
	Entry    uint64    `toml:"entry"`
	Segments []segment `toml:"segment"`
}

type segment struct {
	VAddr   uint64 `toml:"vaddr"`
	Data    string `toml:"data"`
	MemSize uint64 `toml:"mem_size"`
	Perms   string `toml:"perms"`
}

// step is a single operation. Expect is "ok" (the default) or the errno
// name of the expected failure, for example "EFAULT".
type step struct {
	Op      string `toml:"op"`
	PID     int    `toml:"pid"`
	Child   int    `toml:"child"`
	Program string `toml:"program"`
	Addr    uint64 `toml:"addr"`
	Value   string `toml:"value"`
	Code    int    `toml:"code"`
	Expect  string `toml:"expect"`
}

// loadWorkload decodes a TOML workload file.
func loadWorkload(path string) (*workload, error) {
	var w workload
	md, err := toml.DecodeFile(path, &w)
	if err != nil {
		return nil, fmt.Errorf("loading workload %q: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("loading workload %q: unknown key %q", path, undecoded[0].String())
	}

	return &w, nil
}

func parsePerms(s string) (vmm.Perm, error) {
	var perms vmm.Perm
	for _, c := range s {
		switch c {
		case 'r':
			perms |= vmm.PermRead
		case 'w':
			perms |= vmm.PermWrite
		case 'x':
			perms |= vmm.PermExec
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return perms, nil
}

func (p *program) image() (*proc.Image, error) {
	img := &proc.Image{Entry: uintptr(p.Entry)}
	for _, seg := range p.Segments {
		perms, err := parsePerms(seg.Perms)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", p.Name, err)
		}

		memSize := seg.MemSize
		if memSize < uint64(len(seg.Data)) {
			memSize = uint64(len(seg.Data))
		}

		img.Segments = append(img.Segments, proc.Segment{
			VAddr:   uintptr(seg.VAddr),
			Data:    []byte(seg.Data),
			MemSize: uintptr(memSize),
			Perms:   perms,
		})
	}
	return img, nil
}

// stepResult records the outcome of a step.
type stepResult struct {
	Index  int
	Op     string
	PID    int
	Result string
	OK     bool
}

// runner executes a workload against a booted kernel.
type runner struct {
	k        *kmain.Kernel
	out      io.Writer
	programs map[string]*proc.Image
	procs    map[int]*proc.Proc
}

func newRunner(k *kmain.Kernel, w *workload, out io.Writer) (*runner, error) {
	r := &runner{
		k:        k,
		out:      out,
		programs: make(map[string]*proc.Image),
		procs:    make(map[int]*proc.Proc),
	}

	for i := range w.Programs {
		img, err := w.Programs[i].image()
		if err != nil {
			return nil, err
		}
		r.programs[w.Programs[i].Name] = img
	}

	return r, nil
}

// run executes every step of w and returns the per-step results. A step
// whose outcome differs from its expectation does not stop the run.
func (r *runner) run(w *workload) ([]stepResult, error) {
	results := make([]stepResult, 0, len(w.Steps))
	for i, s := range w.Steps {
		got, err := r.exec(&s)
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}

		exp := s.Expect
		if exp == "" {
			exp = expectOK
		}

		res := stepResult{Index: i, Op: s.Op, PID: s.PID, Result: got, OK: got == exp}
		results = append(results, res)

		status := "PASS"
		if !res.OK {
			status = "FAIL"
		}
		kfmt.Fprintf(r.out, "%s step %d: %-6s pid %d: %s (expected %s)\n", status, i, s.Op, s.PID, got, exp)
	}

	return results, nil
}

// exec runs a single step and returns "ok" or the errno name of the kernel
// error it produced. A returned error means the step itself is malformed.
func (r *runner) exec(s *step) (string, error) {
	if s.Op == "stats" {
		stats := r.k.Coremap.Stats()
		vmStats := r.k.VM.Stats()
		kfmt.Fprintf(r.out, "coremap: %d frames, %d used, %d free; vm: %d faults, %d refills, %d evictions, %d violations\n",
			stats.Total, stats.Used, stats.Free, vmStats.Faults, vmStats.Refills, vmStats.Evictions, vmStats.Violations)
		return expectOK, nil
	}

	if s.Op == "spawn" {
		img, err := r.image(s.Program)
		if err != nil {
			return "", err
		}
		if _, exists := r.procs[s.PID]; exists {
			return "", fmt.Errorf("pid %d already exists", s.PID)
		}

		p, kerr := proc.Spawn(r.k.VM, s.PID, s.Program, img)
		if kerr != nil {
			return result(kerr), nil
		}
		r.procs[s.PID] = p
		return expectOK, nil
	}

	p, exists := r.procs[s.PID]
	if !exists {
		return "", fmt.Errorf("unknown pid %d", s.PID)
	}

	switch s.Op {
	case "exec":
		img, err := r.image(s.Program)
		if err != nil {
			return "", err
		}
		return result(p.Exec(img)), nil
	case "fork":
		if _, exists := r.procs[s.Child]; exists || s.Child == 0 {
			return "", fmt.Errorf("invalid child pid %d", s.Child)
		}
		child, kerr := p.Fork(s.Child)
		if kerr != nil {
			return result(kerr), nil
		}
		r.procs[s.Child] = child
		return expectOK, nil
	case "load":
		buf := make([]byte, len(s.Value))
		if len(buf) == 0 {
			buf = make([]byte, 1)
		}
		if kerr := p.ReadAt(uintptr(s.Addr), buf); kerr != nil {
			return result(kerr), nil
		}
		if s.Value != "" && !bytes.Equal(buf, []byte(s.Value)) {
			return fmt.Sprintf("read %q", buf), nil
		}
		return expectOK, nil
	case "store":
		if s.Value == "" {
			return "", fmt.Errorf("store requires a value")
		}
		return result(p.WriteAt(uintptr(s.Addr), []byte(s.Value))), nil
	case "exit":
		p.Exit(s.Code)
		return expectOK, nil
	default:
		return "", fmt.Errorf("unknown op %q", s.Op)
	}
}

func (r *runner) image(name string) (*proc.Image, error) {
	img, exists := r.programs[name]
	if !exists {
		return nil, fmt.Errorf("unknown program %q", name)
	}
	return img, nil
}

func result(err *kernel.Error) string {
	if err == nil {
		return expectOK
	}
	if errno := err.Errno(); errno != 0 {
		return unix.ErrnoName(errno)
	}
	return strings.ToUpper(err.Kind.String())
}
