package mutation_test

import (
	"testing"
	"time"

	"github.com/hazyhaar/dnpguard/mutation"
)

func TestCompressAttrRuns(t *testing.T) {
	records := []mutation.Record{
		{Op: mutation.OpAttr, XPath: "/html/body/div", Name: "class", Value: "a", OldValue: ""},
		{Op: mutation.OpAttr, XPath: "/html/body/div", Name: "class", Value: "b", OldValue: "a"},
		{Op: mutation.OpAttr, XPath: "/html/body/div", Name: "class", Value: "c", OldValue: "b"},
	}

	out := mutation.Compress(records)
	if len(out) != 1 {
		t.Fatalf("got %d records, want 1", len(out))
	}
	if out[0].Value != "c" {
		t.Fatalf("got value %q, want c (last wins)", out[0].Value)
	}
	if out[0].OldValue != "" {
		t.Fatalf("got old_value %q, want the first run's old value", out[0].OldValue)
	}
}

func TestCompressDoesNotTouchInserts(t *testing.T) {
	records := []mutation.Record{
		{Op: mutation.OpInsert, XPath: "/html/body/div[1]", HTML: "<span>a</span>"},
		{Op: mutation.OpInsert, XPath: "/html/body/div[2]", HTML: "<span>b</span>"},
		{Op: mutation.OpRemove, XPath: "/html/body/div[1]"},
	}

	out := mutation.Compress(records)
	if len(out) != 3 {
		t.Fatalf("got %d records, want 3 (structural ops never compressed)", len(out))
	}
}

func TestCompressSeparatesDifferentAttrs(t *testing.T) {
	records := []mutation.Record{
		{Op: mutation.OpAttr, XPath: "/html/body/div", Name: "class", Value: "x"},
		{Op: mutation.OpAttr, XPath: "/html/body/div", Name: "aria-label", Value: "y"},
	}

	out := mutation.Compress(records)
	if len(out) != 2 {
		t.Fatalf("got %d records, want 2 (different attribute names)", len(out))
	}
}

func TestDebouncerFlushOnBufferFull(t *testing.T) {
	var flushed [][]mutation.Record
	d := mutation.NewDebouncer(mutation.DebounceConfig{Window: time.Hour, MaxBuffer: 3},
		func(recs []mutation.Record) {
			cp := make([]mutation.Record, len(recs))
			copy(cp, recs)
			flushed = append(flushed, cp)
		})

	d.Add(mutation.Record{Op: mutation.OpInsert, XPath: "/a"})
	d.Add(mutation.Record{Op: mutation.OpInsert, XPath: "/b"})
	if len(flushed) != 0 {
		t.Fatal("flushed before buffer full")
	}
	if !d.Add(mutation.Record{Op: mutation.OpInsert, XPath: "/c"}) {
		t.Fatal("expected immediate flush on buffer full")
	}
	if len(flushed) != 1 || len(flushed[0]) != 3 {
		t.Fatalf("got %d flushes, want 1 with 3 records", len(flushed))
	}
}

func TestDebouncerWindowExpiry(t *testing.T) {
	var flushed int
	d := mutation.NewDebouncer(mutation.DebounceConfig{Window: 10 * time.Millisecond, MaxBuffer: 100},
		func(recs []mutation.Record) { flushed += len(recs) })

	d.Add(mutation.Record{Op: mutation.OpText, XPath: "/a", Value: "hi"})

	select {
	case <-d.TimerC():
		d.Flush()
	case <-time.After(time.Second):
		t.Fatal("debounce timer never fired")
	}

	if flushed != 1 {
		t.Fatalf("flushed %d records, want 1", flushed)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	b := &mutation.Batch{
		ID:      "bat_1",
		PageURL: "https://play.example/library",
		Seq:     7,
		Records: []mutation.Record{{Op: mutation.OpInsert, XPath: "/html/body", HTML: "<div></div>"}},
	}

	data, err := mutation.MarshalBatch(b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := mutation.UnmarshalBatch(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 7 || len(got.Records) != 1 || got.Records[0].Op != mutation.OpInsert {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
