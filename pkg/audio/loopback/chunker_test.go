package loopback

import (
	"bytes"
	"testing"
)

func TestChunker_RegroupsIntoPeriods(t *testing.T) {
	t.Parallel()

	c := newChunker(4, 8)
	c.write([]byte{1, 2, 3})
	c.write([]byte{4, 5})
	c.write([]byte{6, 7, 8, 9, 10, 11, 12, 13})

	want := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}
	for i, w := range want {
		select {
		case got := <-c.out:
			if !bytes.Equal(got, w) {
				t.Errorf("period %d = %v, want %v", i, got, w)
			}
		default:
			t.Fatalf("period %d missing", i)
		}
	}
	select {
	case got := <-c.out:
		t.Errorf("unexpected extra period %v", got)
	default:
	}
	if !bytes.Equal(c.buf, []byte{13}) {
		t.Errorf("pending = %v, want [13]", c.buf)
	}
}

func TestChunker_DropsOldestWhenReaderBehind(t *testing.T) {
	t.Parallel()

	c := newChunker(2, 2)
	c.write([]byte{1, 1, 2, 2, 3, 3, 4, 4})

	if got := c.overruns.Load(); got != 2 {
		t.Errorf("overruns = %d, want 2", got)
	}
	first := <-c.out
	second := <-c.out
	if first[0] != 3 || second[0] != 4 {
		t.Errorf("kept periods %v, %v; want the two newest", first, second)
	}
}

func TestChunker_PeriodsAreIndependentSlices(t *testing.T) {
	t.Parallel()

	c := newChunker(2, 4)
	c.write([]byte{1, 2, 3, 4})
	a := <-c.out
	b := <-c.out
	a[0] = 99
	if b[0] != 3 {
		t.Error("periods share backing storage")
	}
}
