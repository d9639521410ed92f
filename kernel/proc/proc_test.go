package proc

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/LilyZhang9911/OS-project/kernel"
	"github.com/LilyZhang9911/OS-project/kernel/cpu"
	"github.com/LilyZhang9911/OS-project/kernel/hal"
	"github.com/LilyZhang9911/OS-project/kernel/mm"
	"github.com/LilyZhang9911/OS-project/kernel/mm/pmm"
	"github.com/LilyZhang9911/OS-project/kernel/mm/vmm"
)

const (
	textBase = uintptr(0x400000)
	dataBase = uintptr(0x10000000)
)

func newTestVM(t *testing.T) (*vmm.VM, *pmm.Coremap) {
	t.Helper()

	ram := hal.NewRAM(1*mm.Mb, 64*mm.Kb)
	cm := pmm.New(ram)
	if err := cm.Bootstrap(); err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}

	return vmm.New(cm, ram, cpu.New(1)), cm
}

// testImage has a 1-page text segment and a 2-page data segment whose
// initialized part spans the page boundary.
func testImage() *Image {
	return &Image{
		Entry: textBase + 0x40,
		Segments: []Segment{
			{VAddr: textBase, Data: []byte("\x27\xbd\xff\xe8text"), MemSize: 0x800, Perms: vmm.PermRead | vmm.PermExec},
			{VAddr: dataBase + 0xffc, Data: []byte("hello, world"), MemSize: 0x1000, Perms: vmm.PermRead | vmm.PermWrite},
		},
	}
}

func TestSpawn(t *testing.T) {
	vm, cm := newTestVM(t)

	p, err := Spawn(vm, 1, "testbin", testImage())
	if err != nil {
		t.Fatal(err)
	}

	if p.Entry != textBase+0x40 || p.StackPtr != mm.UserStack {
		t.Fatalf("expected entry 0x%x and stack 0x%x; got 0x%x and 0x%x", textBase+0x40, mm.UserStack, p.Entry, p.StackPtr)
	}
	if vm.Current() != vmm.Process(p) {
		t.Fatal("expected spawned process to be running")
	}
	if !p.AddrSpace().LoadComplete() {
		t.Fatal("expected image load to be complete")
	}

	buf := make([]byte, 12)
	if err = p.ReadAt(dataBase+0xffc, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello, world" {
		t.Fatalf("expected data segment contents %q; got %q", "hello, world", buf)
	}

	// bss and text tail are zero-filled
	for _, addr := range []uintptr{textBase + 0x7ff, dataBase + 0x1500, dataBase + 0x1ffb} {
		if b, err := p.Load(addr); err != nil || b != 0 {
			t.Fatalf("expected zero byte at 0x%x; got %d (%v)", addr, b, err)
		}
	}

	// text: 1 page, data: 2 pages, stack
	if got := cm.Stats().Used; got != 3+vmm.StackPages {
		t.Fatalf("expected %d used frames; got %d", 3+vmm.StackPages, got)
	}
}

func TestExecErrors(t *testing.T) {
	vm, cm := newTestVM(t)

	specs := []struct {
		img    *Image
		expErr *kernel.Error
	}{
		{&Image{Segments: testImage().Segments[:1]}, errTooFewSegments},
		{
			&Image{Segments: []Segment{
				{VAddr: textBase, Data: make([]byte, 0x10), MemSize: 0x8},
				{VAddr: dataBase, MemSize: 0x10},
			}},
			errBadSegment,
		},
		{
			&Image{Segments: append(testImage().Segments, Segment{VAddr: 0x20000000, MemSize: 0x10})},
			nil,
		},
		{
			&Image{Segments: []Segment{
				{VAddr: textBase, MemSize: 0x10},
				{VAddr: mm.UserStack, Data: []byte{1}, MemSize: 0x10},
			}},
			errKernelAddress,
		},
	}

	for specIndex, spec := range specs {
		p := New(vm, specIndex+1, "bad")
		err := p.Exec(spec.img)

		switch {
		case spec.expErr == nil:
			// a third segment is rejected by the VM system
			if err == nil || err.Kind != kernel.Unsupported {
				t.Errorf("[spec %d] expected an Unsupported error; got %v", specIndex, err)
			}
		case err != spec.expErr:
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if p.AddrSpace() != nil {
			t.Errorf("[spec %d] expected failed exec to leave the process without an address space", specIndex)
		}
		if got := cm.Stats().Used; got != 0 {
			t.Errorf("[spec %d] expected failed exec to release every frame; %d used", specIndex, got)
		}
	}
}

func TestExecReplacesAddrSpace(t *testing.T) {
	vm, cm := newTestVM(t)

	p, err := Spawn(vm, 1, "sh", testImage())
	if err != nil {
		t.Fatal(err)
	}
	old := p.AddrSpace()

	img := testImage()
	img.Segments[1].Data = []byte("second image")
	if err = p.Exec(img); err != nil {
		t.Fatal(err)
	}
	if p.AddrSpace() == old {
		t.Fatal("expected exec to install a new address space")
	}

	buf := make([]byte, 12)
	if err = p.ReadAt(dataBase+0xffc, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "second image" {
		t.Fatalf("expected new image contents; got %q", buf)
	}
	if got := cm.Stats().Used; got != 3+vmm.StackPages {
		t.Fatalf("expected the old address space to be released; %d frames used", got)
	}

	// A failing exec keeps the current image.
	if err = p.Exec(&Image{}); err != errTooFewSegments {
		t.Fatalf("expected %v; got %v", errTooFewSegments, err)
	}
	if err = p.ReadAt(dataBase+0xffc, buf); err != nil || string(buf) != "second image" {
		t.Fatalf("expected process to keep its image; got %q (%v)", buf, err)
	}
}

func TestTextIsReadOnlyAfterLoad(t *testing.T) {
	vm, _ := newTestVM(t)

	p, err := Spawn(vm, 1, "testbin", testImage())
	if err != nil {
		t.Fatal(err)
	}

	if b, err := p.Load(textBase); err != nil || b != 0x27 {
		t.Fatalf("expected text byte 0x27; got 0x%x (%v)", b, err)
	}

	err = p.Store(textBase+4, 0)
	if err == nil || err.Kind != kernel.AccessViolation {
		t.Fatalf("expected write to text to fail with an access violation; got %v", err)
	}

	status, code := p.Status()
	if status != Killed || code != int(unix.EFAULT) {
		t.Fatalf("expected process to be killed with EFAULT; got %s %d", status, code)
	}
	if p.AddrSpace() != nil || vm.Current() != nil {
		t.Fatal("expected killed process to release its address space and stop running")
	}
	if _, err = p.Load(textBase); err != errNotRunning {
		t.Fatalf("expected %v; got %v", errNotRunning, err)
	}
}

func TestIllegalAccessKillsProcess(t *testing.T) {
	specs := []struct {
		addr   uintptr
		write  bool
		expErr string
	}{
		{textBase - 1, false, "address outside every region"},
		{dataBase + 0x2000, true, "address outside every region"},
		{mm.UserStack - vmm.StackPages*mm.PageSize - 1, true, "address outside every region"},
		{mm.UserStack, false, errKernelAddress.Message},
		{mm.KSeg0 + 0x1000, true, errKernelAddress.Message},
	}

	for specIndex, spec := range specs {
		vm, cm := newTestVM(t)
		p, err := Spawn(vm, 1, "testbin", testImage())
		if err != nil {
			t.Fatal(err)
		}

		if spec.write {
			err = p.Store(spec.addr, 1)
		} else {
			_, err = p.Load(spec.addr)
		}

		if err == nil || err.Message != spec.expErr || err.Kind != kernel.AccessViolation {
			t.Errorf("[spec %d] expected access violation %q; got %v", specIndex, spec.expErr, err)
			continue
		}
		if status, _ := p.Status(); status != Killed {
			t.Errorf("[spec %d] expected process to be killed; got %s", specIndex, status)
		}
		if got := cm.Stats().Used; got != 0 {
			t.Errorf("[spec %d] expected killed process to release its frames; %d used", specIndex, got)
		}
	}
}

func TestExitFlushesTLB(t *testing.T) {
	specs := []struct {
		// switchAway runs a kernel thread before the process exits.
		switchAway bool
	}{
		{false},
		{true},
	}

	for specIndex, spec := range specs {
		vm, cm := newTestVM(t)
		p, err := Spawn(vm, 1, "testbin", testImage())
		if err != nil {
			t.Fatal(err)
		}

		if err = p.Store(dataBase+0x1000, 1); err != nil {
			t.Fatal(err)
		}
		if _, err = p.Load(textBase); err != nil {
			t.Fatal(err)
		}

		if spec.switchAway {
			vm.Switch(New(vm, 0, "kthread"))
		}
		if got := vm.CPU().TLB.ValidEntries(); got == 0 {
			t.Fatalf("[spec %d] expected translations for the running image", specIndex)
		}

		p.Exit(0)

		if got := vm.CPU().TLB.ValidEntries(); got != 0 {
			t.Errorf("[spec %d] expected no translation to outlive the address space; got %d valid entries", specIndex, got)
		}
		if got := cm.Stats().Used; got != 0 {
			t.Errorf("[spec %d] expected exited process to release its frames; %d used", specIndex, got)
		}
	}
}

func TestStackAccess(t *testing.T) {
	vm, _ := newTestVM(t)

	p, err := Spawn(vm, 1, "testbin", testImage())
	if err != nil {
		t.Fatal(err)
	}

	// A write that straddles two stack pages.
	data := []byte("stack frame")
	addr := p.StackPtr - mm.PageSize - 4
	if err = p.WriteAt(addr, data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	if err = p.ReadAt(addr, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, buf) {
		t.Fatalf("expected %q; got %q", data, buf)
	}
}

func TestForkCopiesMemory(t *testing.T) {
	vm, cm := newTestVM(t)

	parent, err := Spawn(vm, 1, "sh", testImage())
	if err != nil {
		t.Fatal(err)
	}

	child, err := parent.Fork(2)
	if err != nil {
		t.Fatal(err)
	}
	if child.PID != 2 || child.Name != "sh" || child.Entry != parent.Entry || child.StackPtr != parent.StackPtr {
		t.Fatalf("unexpected child process: %+v", child)
	}
	if !child.AddrSpace().LoadComplete() {
		t.Fatal("expected child text to remain read-only")
	}

	if err = child.Store(dataBase+0xffc, 'H'); err != nil {
		t.Fatal(err)
	}
	if vm.Current() != vmm.Process(child) {
		t.Fatal("expected child access to switch it in")
	}

	parentByte, err := parent.Load(dataBase + 0xffc)
	if err != nil {
		t.Fatal(err)
	}
	childByte, err := child.Load(dataBase + 0xffc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{'h', 'H'}, []byte{parentByte, childByte}); diff != "" {
		t.Fatalf("expected parent and child memory to be private (-want +got):\n%s", diff)
	}

	child.Exit(3)
	if status, code := child.Status(); status != Exited || code != 3 {
		t.Fatalf("expected child to exit with code 3; got %s %d", status, code)
	}
	parent.Exit(0)

	if got := cm.Stats().Used; got != 0 {
		t.Fatalf("expected every frame to be released; %d used", got)
	}

	if _, err = parent.Fork(3); err != errNotRunning {
		t.Fatalf("expected %v; got %v", errNotRunning, err)
	}
	if err = parent.Exec(testImage()); err != errNotRunning {
		t.Fatalf("expected %v; got %v", errNotRunning, err)
	}
}

func TestForkOutOfMemory(t *testing.T) {
	vm, cm := newTestVM(t)

	parent, err := Spawn(vm, 1, "hog", testImage())
	if err != nil {
		t.Fatal(err)
	}

	free := cm.Stats().Free
	if _, err = cm.AllocFrames(free - 4); err != nil {
		t.Fatal(err)
	}

	child, err := parent.Fork(2)
	if child != nil || err == nil || err.Errno() != unix.ENOMEM {
		t.Fatalf("expected fork to fail with ENOMEM; got (%v, %v)", child, err)
	}
	if got := cm.Stats().Free; got != 4 {
		t.Fatalf("expected failed fork to release its frames; %d free", got)
	}
}

func TestExitStatusString(t *testing.T) {
	specs := []struct {
		status ExitStatus
		exp    string
	}{
		{Running, "running"},
		{Exited, "exited"},
		{Killed, "killed"},
		{ExitStatus(7), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.status.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
