package netmon

import (
	"testing"
	"time"

	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		sig  Signal
		want Class
	}{
		{Signal{Online: false}, Offline},
		{Signal{Online: false, DownlinkKbps: 9000}, Offline},
		{Signal{Online: true}, Good},
		{Signal{Online: true, DownlinkKbps: 500}, Poor},
		{Signal{Online: true, DownlinkKbps: 3000}, Good},
		{Signal{Online: true, DownlinkKbps: 8000}, Excellent},
	}
	for _, tt := range tests {
		if got := classify(tt.sig); got != tt.want {
			t.Errorf("classify(%+v) = %s, want %s", tt.sig, got, tt.want)
		}
	}
}

func TestConcurrencyFor(t *testing.T) {
	tests := []struct {
		class Class
		want  int
	}{
		{Excellent, 5},
		{Good, 3},
		{Poor, 1},
		{Offline, 0},
	}
	for _, tt := range tests {
		if got := ConcurrencyFor(tt.class); got != tt.want {
			t.Errorf("ConcurrencyFor(%s) = %d, want %d", tt.class, got, tt.want)
		}
	}
}

func TestReportPublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("network.", 10)
	defer unsub()

	m := New(b, nil)
	if m.Current() != Offline {
		t.Fatalf("initial class = %s, want offline", m.Current())
	}

	m.Report(Signal{Online: true, DownlinkKbps: 8000})

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timeout; got kinds %v", kinds)
		}
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	if !seen[bus.KindQualityChanged] || !seen[bus.KindOnlineChanged] {
		t.Errorf("kinds = %v, want quality_changed and online_changed", kinds)
	}
	if m.Current() != Excellent {
		t.Errorf("class = %s, want excellent", m.Current())
	}
}

func TestReportSameClassIsSilent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("network.", 10)
	defer unsub()

	m := New(b, nil)
	m.Report(Signal{Online: true, DownlinkKbps: 3000})
	<-ch // quality_changed
	<-ch // online_changed

	m.Report(Signal{Online: true, DownlinkKbps: 4000}) // still Good

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}
