package profile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "profiles"))
	require.NoError(t, err)
	return s
}

func writeRaw(t *testing.T, s *Store, deviceID, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(s.Path(deviceID), []byte(content), 0644))
}

func readRaw(t *testing.T, s *Store, deviceID string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(s.Path(deviceID))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func widgetsFromJSON(t *testing.T, raw string) []Widget {
	t.Helper()
	var ws []Widget
	require.NoError(t, json.Unmarshal([]byte(raw), &ws))
	return ws
}

func TestKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"tablet-1", "tablet-1"},
		{"my phone", "myphone"},
		{"../../etc/passwd", "etcpasswd"},
		{"dev_01?x=1", "dev_01x1"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Key(tt.in), "Key(%q)", tt.in)
	}
}

func TestKeyFromPath(t *testing.T) {
	key, ok := KeyFromPath("/x/profile_tablet-1.json")
	assert.True(t, ok)
	assert.Equal(t, "tablet-1", key)

	_, ok = KeyFromPath("/x/default.json")
	assert.False(t, ok)
	_, ok = KeyFromPath("/x/profile_a.json.corrupt-20240101-000000")
	assert.False(t, ok)
}

func TestPathStaysInsideDir(t *testing.T) {
	s := newTestStore(t)
	p := s.Path("../../outside")
	assert.Equal(t, s.Dir(), filepath.Dir(p))
}

func TestLoadDefaultIsIdempotentAndDoesNotCreateFile(t *testing.T) {
	s := newTestStore(t)

	first := s.Load("kitchen")
	second := s.Load("kitchen")

	assert.Equal(t, first, second)
	assert.Equal(t, DefaultPage, first.RootPage)
	assert.Equal(t, []Widget{}, first.Pages[DefaultPage])

	_, err := os.Stat(s.Path("kitchen"))
	assert.True(t, os.IsNotExist(err), "reading must not create a profile")

	data, err := json.Marshal(first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rootPage":"home","pages":{"home":[]}}`, string(data))
}

func TestLoadCorruptFallsBackWithoutOverwriting(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "desk", "{ this is not json")

	doc := s.Load("desk")
	assert.Equal(t, DefaultDocument(), doc)

	data, err := os.ReadFile(s.Path("desk"))
	require.NoError(t, err)
	assert.Equal(t, "{ this is not json", string(data))
}

func TestLoadMigratesLegacyLayout(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "old", `{"name":"Office","layout":[{"id":"a","type":"button","label":"Mute","x":0,"y":0,"w":1,"h":1}]}`)

	doc := s.Load("old")
	assert.Equal(t, "home", doc.RootPage)
	require.Len(t, doc.Pages["home"], 1)
	assert.Equal(t, "a", doc.Pages["home"][0].ID)

	var label string
	found, err := doc.Pages["home"][0].Prop("label", &label)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Mute", label)

	// Persisted form is the upgraded one, other top-level keys intact.
	raw := readRaw(t, s, "old")
	assert.NotContains(t, raw, "layout")
	assert.Equal(t, "home", raw["rootPage"])
	assert.Equal(t, "Office", raw["name"])
	pages := raw["pages"].(map[string]any)
	assert.Len(t, pages["home"], 1)

	// Second load reads the current schema.
	again := s.Load("old")
	assert.Equal(t, doc, again)
}

func TestSaveLayoutPreservesBackendFields(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", `{"rootPage":"home","pages":{"home":[{"id":"a","type":"gauge","metric":"cpu","x":0,"y":0,"w":2,"h":2}]}}`)

	doc, err := s.SaveLayout("dev", "home", widgetsFromJSON(t, `[{"id":"a","x":5,"y":5,"w":2,"h":2}]`))
	require.NoError(t, err)

	page := doc.Pages["home"]
	require.Len(t, page, 1)

	data, err := json.Marshal(page[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","type":"gauge","metric":"cpu","x":5,"y":5,"w":2,"h":2}`, string(data))

	raw := readRaw(t, s, "dev")
	stored := raw["pages"].(map[string]any)["home"].([]any)[0].(map[string]any)
	assert.Equal(t, "gauge", stored["type"])
	assert.Equal(t, "cpu", stored["metric"])
	assert.Equal(t, float64(5), stored["x"])
}

func TestSaveLayoutKeepsOriginalSpelling(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", `{"rootPage":"home","pages":{"home":[`+
		`{"id":"a","type":"","x":0.5,"y":0,"w":2,"h":2},`+
		`{"id":"b","type":"gauge","x":1.5,"y":0,"w":2,"h":2}]}}`)

	_, err := s.SaveLayout("dev", "home", widgetsFromJSON(t,
		`[{"id":"a","x":0.5,"y":0,"w":2,"h":2},{"id":"b","x":2,"y":0,"w":2,"h":2}]`))
	require.NoError(t, err)

	page := readRaw(t, s, "dev")["pages"].(map[string]any)["home"].([]any)
	a, b := page[0].(map[string]any), page[1].(map[string]any)
	assert.Equal(t, "", a["type"])
	assert.Equal(t, 0.5, a["x"])
	assert.Equal(t, float64(2), b["x"])
}

func TestSaveLayoutClientCannotOverrideBackendFields(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", `{"rootPage":"home","pages":{"home":[{"id":"a","type":"gauge","metric":"cpu","x":0,"y":0,"w":2,"h":2}]}}`)

	doc, err := s.SaveLayout("dev", "home", widgetsFromJSON(t, `[{"id":"a","type":"button","metric":"ram","x":1,"y":1,"w":3,"h":3}]`))
	require.NoError(t, err)

	w := doc.Pages["home"][0]
	assert.Equal(t, "gauge", w.Type)
	var metric string
	_, err = w.Prop("metric", &metric)
	require.NoError(t, err)
	assert.Equal(t, "cpu", metric)
	assert.Equal(t, [4]int{1, 1, 3, 3}, [4]int{w.X, w.Y, w.W, w.H})
}

func TestSaveLayoutInsertsNewWidgets(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", `{"rootPage":"home","pages":{"home":[{"id":"a","type":"gauge","x":0,"y":0,"w":2,"h":2}]}}`)

	doc, err := s.SaveLayout("dev", "home", widgetsFromJSON(t,
		`[{"id":"a","x":0,"y":0,"w":2,"h":2},{"id":"b","type":"spotify","x":0,"y":2,"w":12,"h":4,"theme":"dark"}]`))
	require.NoError(t, err)

	page := doc.Pages["home"]
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[1].ID)
	assert.Equal(t, "spotify", page[1].Type)

	var theme string
	found, err := page[1].Prop("theme", &theme)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dark", theme)
}

func TestSaveLayoutDropsMissingWidgetsAndKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", `{"rootPage":"home","pages":{"home":[
		{"id":"a","type":"t","x":0,"y":0,"w":1,"h":1},
		{"id":"b","type":"t","x":1,"y":0,"w":1,"h":1},
		{"id":"c","type":"t","x":2,"y":0,"w":1,"h":1}]}}`)

	doc, err := s.SaveLayout("dev", "home", widgetsFromJSON(t,
		`[{"id":"c","x":0,"y":0,"w":1,"h":1},{"id":"a","x":1,"y":0,"w":1,"h":1}]`))
	require.NoError(t, err)

	page := doc.Pages["home"]
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	assert.Equal(t, "a", page[1].ID)

	reloaded := s.Load("dev")
	assert.Len(t, reloaded.Pages["home"], 2)
}

func TestSaveLayoutCreatesDocumentAndPage(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.SaveLayout("fresh", "utilities", widgetsFromJSON(t, `[{"id":"cpu_gauge","type":"gauge","x":0,"y":0,"w":4,"h":2}]`))
	require.NoError(t, err)

	assert.Equal(t, "home", doc.RootPage)
	assert.Contains(t, doc.Pages, "home")
	assert.Len(t, doc.Pages["utilities"], 1)

	raw := readRaw(t, s, "fresh")
	pages := raw["pages"].(map[string]any)
	assert.Equal(t, []any{}, pages["home"])
}

func TestSaveLayoutOtherPagesUntouched(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", `{"rootPage":"home","pages":{"home":[{"id":"a","x":0,"y":0,"w":1,"h":1}],"media":[{"id":"m","type":"spotify","x":0,"y":0,"w":12,"h":4}]}}`)

	_, err := s.SaveLayout("dev", "home", nil)
	require.NoError(t, err)

	doc := s.Load("dev")
	assert.Empty(t, doc.Pages["home"])
	require.Len(t, doc.Pages["media"], 1)
	assert.Equal(t, "spotify", doc.Pages["media"][0].Type)
}

func TestSaveLayoutDefaultsPage(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.SaveLayout("dev", "", widgetsFromJSON(t, `[{"id":"a"}]`))
	require.NoError(t, err)
	assert.Len(t, doc.Pages[DefaultPage], 1)
}

func TestSaveLayoutRejectsInvalidLayouts(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveLayout("dev", "home", widgetsFromJSON(t, `[{"type":"ghost","x":0,"y":0,"w":1,"h":1}]`))
	assert.True(t, errors.Is(err, ErrInvalidLayout))

	_, err = s.SaveLayout("dev", "home", widgetsFromJSON(t, `[{"id":"a"},{"id":"a"}]`))
	assert.True(t, errors.Is(err, ErrInvalidLayout))

	_, statErr := os.Stat(s.Path("dev"))
	assert.True(t, os.IsNotExist(statErr), "rejected saves must not write")
}

func TestSaveLayoutMovesCorruptDocumentAside(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "dev", "garbage")

	_, err := s.SaveLayout("dev", "home", widgetsFromJSON(t, `[{"id":"a"}]`))
	require.NoError(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)

	var backups int
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			backups++
			data, err := os.ReadFile(filepath.Join(s.Dir(), e.Name()))
			require.NoError(t, err)
			assert.Equal(t, "garbage", string(data))
		}
	}
	assert.Equal(t, 1, backups)
	assert.Len(t, s.Load("dev").Pages["home"], 1)
}

func TestSaveLayoutConcurrentSameDevice(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			layout := []Widget{{ID: "a", X: n, Y: n, W: 1, H: 1}}
			_, err := s.SaveLayout("shared", "home", layout)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every write was whole: the file parses and holds exactly one widget.
	data, err := os.ReadFile(s.Path("shared"))
	require.NoError(t, err)
	doc, _, err := decodeDocument(data)
	require.NoError(t, err)
	assert.Len(t, doc.Pages["home"], 1)
	assert.Equal(t, 0, s.locks.size())
}

func TestOwnWriteFingerprint(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveLayout("dev", "home", []Widget{{ID: "a"}})
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path("dev"))
	require.NoError(t, err)
	assert.True(t, s.isOwnWrite(s.Path("dev"), data))
	assert.False(t, s.isOwnWrite(s.Path("dev"), append(data, ' ')))
}
