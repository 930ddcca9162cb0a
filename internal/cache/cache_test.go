package cache

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meterdash/internal/source"
)

type countingLoader struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (l *countingLoader) Load(spec source.Spec) (source.Table, error) {
	l.calls.Add(1)
	time.Sleep(l.delay)
	if l.err != nil {
		return source.Table{}, l.err
	}
	return source.Table{
		Path:   spec.File,
		Header: []string{"date", "maxDemand"},
		Rows:   [][]string{{"2025-12-01 10:00:00", "4"}, {"2025-12-01 11:00:00", "5"}},
	}, nil
}

func newCache(l Loader, ids ...string) *Cache {
	specs := make([]source.Spec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, source.Spec{ID: id, File: id + ".csv"})
	}
	norm := source.NewNormalizer([]string{"2006-01-02 15:04:05"}, time.UTC)
	return New(specs, l, norm, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoadIsIdempotent(t *testing.T) {
	l := &countingLoader{}
	c := newCache(l, "1")

	first, err := c.Load("1")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := c.Load("1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(first) != 2 || &first[0] != &second[0] {
		t.Fatal("second load should return the cached slice")
	}
	if got := l.calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
}

func TestLoadUnknownDevice(t *testing.T) {
	c := newCache(&countingLoader{}, "1")
	if _, err := c.Load("9"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestLoadFailureIsNotCached(t *testing.T) {
	l := &countingLoader{err: source.ErrSourceNotFound}
	c := newCache(l, "1")
	var observed []error
	c.OnLoad = func(_ string, _ int, err error) { observed = append(observed, err) }

	if _, err := c.Load("1"); !errors.Is(err, source.ErrSourceNotFound) {
		t.Fatalf("err = %v, want ErrSourceNotFound", err)
	}
	l.err = nil
	got, err := c.Load("1")
	if err != nil || len(got) != 2 {
		t.Fatalf("retry after failure: %v (%d readings)", err, len(got))
	}
	if len(observed) != 2 || observed[1] != nil {
		t.Fatalf("observed = %v", observed)
	}
}

func TestConcurrentFirstLoadsShareOneParse(t *testing.T) {
	l := &countingLoader{delay: 20 * time.Millisecond}
	c := newCache(l, "1", "2")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for _, id := range []string{"1", "2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := c.Load(id); err != nil {
					t.Errorf("load %s: %v", id, err)
				}
			}(id)
		}
	}
	wg.Wait()
	if got := l.calls.Load(); got != 2 {
		t.Fatalf("loader calls = %d, want one per device", got)
	}
	r1, _ := c.Load("1")
	r2, _ := c.Load("2")
	if r1[0].DeviceID != "1" || r2[0].DeviceID != "2" {
		t.Fatalf("series crossed: %v %v", r1[0].DeviceID, r2[0].DeviceID)
	}
}

func TestDevicesKeepsConfigurationOrder(t *testing.T) {
	c := newCache(&countingLoader{}, "2", "1", "2")
	got := c.Devices()
	if len(got) != 2 || got[0] != "2" || got[1] != "1" {
		t.Fatalf("devices = %v", got)
	}
}
