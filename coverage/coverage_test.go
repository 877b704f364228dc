package coverage_test

import (
	"testing"

	"github.com/nilsocket/hvcore/coverage"
)

func TestReportOffsetReturnsTrueOnlyOnce(t *testing.T) {
	t.Parallel()

	s := coverage.NewStore()
	key := coverage.Key{Name: "ntdll", TimeDateStamp: 1, SizeOfImage: 0x1000}

	if !s.ReportOffset(key, 0x100) {
		t.Fatal("first ReportOffset should return true")
	}

	if s.ReportOffset(key, 0x100) {
		t.Fatal("second ReportOffset at same offset should return false")
	}

	if s.TotalUnique() != 1 {
		t.Fatalf("TotalUnique = %d, want 1", s.TotalUnique())
	}
}

func TestOrdinalStableAcrossRebase(t *testing.T) {
	t.Parallel()

	s := coverage.NewStore()
	key := coverage.Key{Name: "ntdll", TimeDateStamp: 1, SizeOfImage: 0x1000}

	first := s.Ordinal(key)
	second := s.Ordinal(key)

	if first != second {
		t.Fatalf("Ordinal not stable: %d != %d", first, second)
	}

	other := coverage.Key{Name: "kernel32", TimeDateStamp: 2, SizeOfImage: 0x2000}
	if s.Ordinal(other) == first {
		t.Fatal("distinct modules got the same ordinal")
	}
}

func TestDisabledStoreRecordsNothing(t *testing.T) {
	t.Parallel()

	s := coverage.NewStore()
	s.SetDisabled(true)

	key := coverage.Key{Name: "ntdll"}
	if s.ReportOffset(key, 4) {
		t.Fatal("ReportOffset on disabled store should return false")
	}

	if s.TotalUnique() != 0 {
		t.Fatalf("TotalUnique = %d, want 0", s.TotalUnique())
	}
}

func TestBitmapGrowsLazily(t *testing.T) {
	t.Parallel()

	s := coverage.NewStore()
	key := coverage.Key{Name: "ntdll"}

	s.ReportOffset(key, 0)
	s.ReportOffset(key, 1000)

	ord := s.Ordinal(key)

	entry, ok := s.Entry(ord)
	if !ok {
		t.Fatal("Entry not found")
	}

	if len(entry.Bitmap) < 1000/8+1 {
		t.Fatalf("Bitmap too small: %d bytes", len(entry.Bitmap))
	}

	if entry.Unique != 2 {
		t.Fatalf("Unique = %d, want 2", entry.Unique)
	}
}
