package rvvm

// tlb.go is the hart-owned, direct-mapped translation cache. It mirrors the shape of the
// simulator's MMIO table (a small table keyed by address, miss falls through to a slower path)
// but is array-backed and direct-mapped rather than a map; 256 entries is a reasonable baseline
// for a hashed, direct-mapped design at this scale — big enough to cover a typical working set
// of hot pages without the bookkeeping a set-associative design would need.

const tlbSize = 256

// tlbEntry caches one guest-page translation: the tag identifies the page and the permission
// bits the entry was validated for, host is the physical page base address the page maps to.
type tlbEntry struct {
	tag   Word // guest page number | valid accessKind bits
	valid bool
	host  Word // physical page base address (not relative to the RAM base).
}

const (
	tlbTagMask = ^Word(0xfff) // page-aligned guest address.

	tlbPermRead  = Word(1 << 0)
	tlbPermWrite = Word(1 << 1)
	tlbPermExec  = Word(1 << 2)
)

func accessPerm(a AccessKind) Word {
	switch a {
	case AccessLoad:
		return tlbPermRead
	case AccessStore:
		return tlbPermWrite
	default:
		return tlbPermExec
	}
}

// TLB is a direct-mapped translation cache owned exclusively by one hart; no cross-thread
// access is permitted, so it needs no internal locking.
type TLB struct {
	entries [tlbSize]tlbEntry
}

func tlbIndex(page Word) int {
	return int((page >> 12) % tlbSize)
}

// lookup returns the host page base for vaddr if a valid entry exists granting access, and
// whether it was a hit for the requested permission.
func (t *TLB) lookup(vaddr Word, access AccessKind) (Word, bool) {
	page := vaddr & tlbTagMask
	idx := tlbIndex(page)
	e := &t.entries[idx]

	if !e.valid || e.tag&tlbTagMask != page {
		return 0, false
	}

	if e.tag&accessPerm(access) == 0 {
		return 0, false
	}

	return e.host | (vaddr &^ tlbTagMask), true
}

// insert records a successful walk's result. A walk that lands on an existing tag ORs its access
// bit into the entry (upgrading it without a re-walk, so a page cached for reads only gains the
// write bit on its first successful store instead of evicting and re-inserting); a mismatched
// tag replaces the slot outright.
func (t *TLB) insert(vaddr, host Word, access AccessKind) {
	page := vaddr & tlbTagMask
	idx := tlbIndex(page)
	e := &t.entries[idx]

	if e.valid && e.tag&tlbTagMask == page {
		e.tag |= accessPerm(access)
		return
	}

	e.valid = true
	e.tag = page | accessPerm(access)
	e.host = host & tlbTagMask
}

// flush drops every entry. Called on satp writes, SFENCE.VMA, a privilege-mode change that
// affects translation, and reset — the simulator has no analog since LC-3 has no paging.
func (t *TLB) flush() {
	for i := range t.entries {
		t.entries[i] = tlbEntry{}
	}
}
