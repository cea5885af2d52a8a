package ring

import "testing"

func TestNewHasCapacity(t *testing.T) {
	r := New[float32](16)
	if r.Capacity() != 16 {
		t.Errorf("Expected capacity 16, got %d", r.Capacity())
	}
	if r.Has(1) {
		t.Error("Expected Has(1) to be false before any write")
	}
}

func TestWriteAdvancesTotalWritten(t *testing.T) {
	r := New[float32](8)
	bm := r.Write([]float32{1, 2, 3})
	if bm != 3 {
		t.Errorf("Expected bookmark 3, got %d", bm)
	}
	if !r.Has(3) {
		t.Error("Expected Has(3) to be true")
	}
	if r.Has(4) {
		t.Error("Expected Has(4) to be false")
	}
}

func TestReadSinceReproducesWrites(t *testing.T) {
	r := New[float32](64)
	r.Write([]float32{1, 2, 3})
	r.Write([]float32{4, 5})

	samples, bm := r.Read(Since, 0)
	want := []float32{1, 2, 3, 4, 5}
	if len(samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(samples))
	}
	for i, v := range want {
		if samples[i] != v {
			t.Errorf("sample %d: expected %v, got %v", i, v, samples[i])
		}
	}
	if bm != 5 {
		t.Errorf("Expected bookmark 5, got %d", bm)
	}

	more, bm2 := r.Read(Since, bm)
	if len(more) != 0 {
		t.Errorf("Expected no new samples, got %d", len(more))
	}
	if bm2 != 5 {
		t.Errorf("Expected bookmark unchanged at 5, got %d", bm2)
	}
}

func TestReadLatest(t *testing.T) {
	r := New[float32](64)
	for i := 0; i < 10; i++ {
		r.Write([]float32{float32(i)})
	}
	samples, bm := r.Read(Latest, 4)
	want := []float32{6, 7, 8, 9}
	if len(samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(samples))
	}
	for i, v := range want {
		if samples[i] != v {
			t.Errorf("sample %d: expected %v, got %v", i, v, samples[i])
		}
	}
	if bm != 10 {
		t.Errorf("Expected bookmark 10, got %d", bm)
	}
}

func TestLaggedReaderResynchronises(t *testing.T) {
	capacity := 8
	r := New[float32](capacity)

	samples := make([]float32, 3*capacity)
	for i := range samples {
		samples[i] = float32(i)
	}
	r.Write(samples)

	got, bm := r.Read(Since, 0)
	if len(got) != capacity {
		t.Fatalf("Expected lagged reader to receive exactly capacity (%d) samples, got %d", capacity, len(got))
	}
	if bm != Bookmark(len(samples)) {
		t.Errorf("Expected bookmark to equal total written (%d), got %d", len(samples), bm)
	}
	// The oldest still-in-buffer span is the last `capacity` samples written.
	for i, v := range got {
		want := float32(len(samples) - capacity + i)
		if v != want {
			t.Errorf("sample %d: expected %v, got %v", i, want, v)
		}
	}
}

func TestReadMoreThanAvailableReturnsWhatExists(t *testing.T) {
	r := New[float32](64)
	r.Write([]float32{1, 2, 3})

	samples, _ := r.Read(Latest, 100)
	if len(samples) != 3 {
		t.Errorf("Expected 3 samples, got %d", len(samples))
	}
}

func TestReadAll(t *testing.T) {
	r := New[float32](4)
	r.Write([]float32{1, 2, 3, 4, 5, 6})

	samples, bm := r.Read(All, 0)
	if len(samples) != 4 {
		t.Fatalf("Expected 4 samples (ring capacity), got %d", len(samples))
	}
	want := []float32{3, 4, 5, 6}
	for i, v := range want {
		if samples[i] != v {
			t.Errorf("sample %d: expected %v, got %v", i, v, samples[i])
		}
	}
	if bm != 6 {
		t.Errorf("Expected bookmark 6, got %d", bm)
	}
}
