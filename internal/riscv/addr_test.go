package riscv

import "testing"

func TestGPA2HPARoundTrip(t *testing.T) {
	for _, guestID := range []int{0, 1, 3} {
		gpa := uint64(0x8020_1000)
		hpa := GPA2HPA(gpa, guestID)
		if got := HPA2GPA(hpa, guestID); got != gpa {
			t.Fatalf("guest %d: HPA2GPA(GPA2HPA(%#x)) = %#x, want %#x", guestID, gpa, got, gpa)
		}
	}
}

func TestGPA2HPAOffset(t *testing.T) {
	got := GPA2HPA(0x8020_0000, 0)
	want := uint64(0x8020_0000) + GuestSlice
	if got != want {
		t.Fatalf("GPA2HPA(0x80200000, 0) = %#x, want %#x", got, want)
	}
}

func TestGPT2SPTDisjointPerGuest(t *testing.T) {
	a := GPT2SPT(0x8020_0000, 0)
	b := GPT2SPT(0x8020_0000, 1)
	if a == b {
		t.Fatalf("GPT2SPT must place different guests in disjoint regions, got %#x == %#x", a, b)
	}
	if a < SPTBase || b < SPTBase {
		t.Fatalf("GPT2SPT results must land in the SPT pool: got %#x, %#x", a, b)
	}
}

func TestVPNIndices(t *testing.T) {
	// 0x8020_1000 >> 12 = 0x80201; split into three 9-bit fields.
	vpn := VPNFromAddr(0x8020_1000)
	idx := vpn.Indices()
	// Rebuild the VPN from the indices and confirm round-trip.
	rebuilt := (idx[0] << 18) | (idx[1] << 9) | idx[2]
	if rebuilt != uint64(vpn) {
		t.Fatalf("Indices() does not round-trip: got %#x, want %#x", rebuilt, uint64(vpn))
	}
}

func TestPTEFlags(t *testing.T) {
	pte := NewPTE(0x80200, PTEV|PTER|PTEW|PTEX)
	if !pte.Valid() || !pte.Readable() || !pte.Writable() || !pte.Executable() {
		t.Fatalf("PTE flags not round-tripped: %#x", uint64(pte))
	}
	if pte.PPN() != 0x80200 {
		t.Fatalf("PTE.PPN() = %#x, want 0x80200", pte.PPN())
	}
	if !pte.Leaf() {
		t.Fatal("a PTE with R|W|X set must be a leaf")
	}

	intermediate := NewPTE(0x1000, PTEV)
	if intermediate.Leaf() {
		t.Fatal("a PTE with R=W=X=0 must not be a leaf")
	}

	illegal := NewPTE(0x1000, PTEV|PTEW)
	if !illegal.Illegal() {
		t.Fatal("W=1,R=0 must be reported illegal")
	}
}

func TestFixedVirtualAddresses(t *testing.T) {
	tramp := uint64(Trampoline)
	if tramp+PageSize != 0 { // wraps to zero only for 2^64 - 4096
		t.Fatalf("Trampoline must be exactly 2^64 - 4096")
	}
	if TrapContext != Trampoline-PageSize {
		t.Fatalf("TrapContext must be Trampoline - 4096")
	}
}
