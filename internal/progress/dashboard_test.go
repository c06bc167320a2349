package progress

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestDashboardModelCounts(t *testing.T) {
	m := newDashboardModel("job", 4, 2)

	var model tea.Model = m
	model, _ = model.Update(segmentDoneMsg{bytes: 100})
	model, _ = model.Update(segmentDoneMsg{bytes: 50, reused: true})
	model, _ = model.Update(segmentFailedMsg{sequence: 3})
	model, _ = model.Update(partDoneMsg{partID: 0})
	model, _ = model.Update(stageMsg{name: "remuxing part 0"})

	got := model.(dashboardModel)
	if got.done != 2 || got.reused != 1 || got.failed != 1 || got.partsDone != 1 {
		t.Fatalf("counts = %+v", got)
	}
	if got.bytes != 150 {
		t.Fatalf("bytes = %d", got.bytes)
	}

	view := model.View()
	for _, want := range []string{"segments 2/4", "parts 1/2", "remuxing part 0"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		512:     "512B",
		2048:    "2.0KiB",
		1 << 20: "1.0MiB",
	}
	for in, want := range cases {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
