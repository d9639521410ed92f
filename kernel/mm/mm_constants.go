package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageFrame masks out the offset bits of an address.
	PageFrame = ^(PageSize - 1)

	// KSeg0 is the base of the MIPS kseg0 segment: a direct, unmapped and
	// cached window onto physical memory used for all kernel addresses.
	KSeg0 = uintptr(0x80000000)

	// UserStack is the top of the user stack. It is also the end of the
	// user address space (kuseg).
	UserStack = KSeg0
)
