package mutation

import "time"

// DebounceConfig controls record batching.
type DebounceConfig struct {
	// Window is the debounce time. Default: 250ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many records accumulate. Default: 1000.
	MaxBuffer int
}

func (dc *DebounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 250 * time.Millisecond
	}
	if dc.MaxBuffer <= 0 {
		dc.MaxBuffer = 1000
	}
}

// Debouncer collects raw records and emits compressed slices when the window
// expires or the buffer fills. It is not safe for concurrent use; callers
// drive it from a single loop and select on TimerC.
type Debouncer struct {
	cfg     DebounceConfig
	records []Record
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func([]Record)
}

// NewDebouncer creates a Debouncer that calls flushFn with each compressed batch.
func NewDebouncer(cfg DebounceConfig, flushFn func([]Record)) *Debouncer {
	cfg.defaults()
	return &Debouncer{
		cfg:     cfg,
		records: make([]Record, 0, cfg.MaxBuffer),
		flushFn: flushFn,
	}
}

// Add pushes a record into the buffer. Returns true if an immediate flush
// was triggered (buffer full).
func (d *Debouncer) Add(rec Record) bool {
	d.records = append(d.records, rec)

	if len(d.records) >= d.cfg.MaxBuffer {
		d.Flush()
		return true
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
	return false
}

// TimerC returns the channel that fires when the debounce window expires.
func (d *Debouncer) TimerC() <-chan time.Time {
	return d.timerCh
}

// Flush compresses and emits the buffered records, then resets.
func (d *Debouncer) Flush() {
	if len(d.records) == 0 {
		return
	}

	compressed := Compress(d.records)
	d.flushFn(compressed)

	d.records = d.records[:0]
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}

// Compress collapses runs of redundant records:
//   - N consecutive attr on same (xpath, name) → keep last (old_value from first)
//   - N consecutive text on same xpath → keep last
//   - insert/remove are never compressed (structurally significant)
func Compress(records []Record) []Record {
	if len(records) <= 1 {
		return records
	}

	result := make([]Record, 0, len(records))

	for i := 0; i < len(records); i++ {
		rec := records[i]

		switch rec.Op {
		case OpAttr:
			firstOld := rec.OldValue
			j := i + 1
			for j < len(records) &&
				records[j].Op == OpAttr &&
				records[j].XPath == rec.XPath &&
				records[j].Name == rec.Name {
				rec = records[j]
				j++
			}
			rec.OldValue = firstOld
			result = append(result, rec)
			i = j - 1

		case OpText:
			firstOld := rec.OldValue
			j := i + 1
			for j < len(records) &&
				records[j].Op == OpText &&
				records[j].XPath == rec.XPath {
				rec = records[j]
				j++
			}
			rec.OldValue = firstOld
			result = append(result, rec)
			i = j - 1

		default:
			result = append(result, rec)
		}
	}

	return result
}
