package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jail"
	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/scheduler"
)

type fixedStats jail.Stats

func (f fixedStats) Stats() jail.Stats { return jail.Stats(f) }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestGauges(t *testing.T) {
	m := New(fixedStats{
		Cells: 3, Confinements: 5, Indefinite: 2, Unresolved: 1, NotifyFailures: 4, Unsaved: 1,
		Scheduler: scheduler.Stats{Scheduled: 2, Retrying: 1, PersistentFailures: 1},
	}, time.Now())
	out := scrape(t, m)

	for _, want := range []string{
		"gojails_cells 3",
		`gojails_confinements{kind="timed"} 3`,
		`gojails_confinements{kind="indefinite"} 2`,
		"gojails_unresolved_cells 1",
		`gojails_scheduler_entries{state="retrying"} 1`,
		"gojails_release_persistent_failures 1",
		"gojails_notify_failures 4",
		"gojails_unsaved_confinements 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestCountersFromBus(t *testing.T) {
	m := New(fixedStats{}, time.Now())
	bus := events.NewBus()
	bus.SubscribeGlobal(m)

	rec := jaildb.Confinement{Subject: uuid.New()}
	bus.OnConfined(rec)
	bus.OnConfined(rec)
	bus.OnExtended(rec)
	bus.OnReleased(rec, jaildb.ReleaseExpired)
	bus.OnCellDefined(jaildb.Cell{Name: "Alcatraz"})

	out := scrape(t, m)
	for _, want := range []string{
		"gojails_confinements_total 2",
		"gojails_extensions_total 1",
		`gojails_releases_total{reason="expired"} 1`,
		`gojails_cell_events_total{event="cell_defined"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}
