package palette

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Colors is the fixed palette used for on-frame annotation. Index 0 is
// reserved for the lead role; later entries cover supporting cast. With
// more than twenty labelled characters in one title, assignment wraps.
var Colors = []color.RGBA{
	{0, 255, 0, 255},     // green
	{0, 0, 255, 255},     // blue
	{255, 165, 0, 255},   // orange
	{0, 255, 255, 255},   // cyan
	{255, 0, 255, 255},   // magenta
	{255, 255, 0, 255},   // yellow
	{128, 0, 128, 255},   // purple
	{0, 165, 255, 255},   // azure
	{255, 128, 0, 255},   // amber
	{255, 20, 147, 255},  // deep pink
	{50, 205, 50, 255},   // lime green
	{255, 69, 0, 255},    // orange red
	{138, 43, 226, 255},  // blue violet
	{255, 215, 0, 255},   // gold
	{220, 20, 60, 255},   // crimson
	{0, 191, 255, 255},   // deep sky blue
	{255, 105, 180, 255}, // hot pink
	{124, 252, 0, 255},   // lawn green
	{255, 140, 0, 255},   // dark orange
	{72, 61, 139, 255},   // dark slate blue
}

// Shape names accepted for box rendering.
const (
	ShapeRectangle = "rectangle"
	ShapeRounded   = "rounded_rectangle"
	ShapeEllipse   = "ellipse"
)

// Style is the render style assigned to one character within a title.
type Style struct {
	Character  string `yaml:"character"`
	ColorHex   string `yaml:"color"`
	ColorIndex int    `yaml:"color_index"`
	Shape      string `yaml:"shape"`
	Priority   int    `yaml:"priority"` // 0 is the lead role
}

// RGBA returns the palette color for this style.
func (s Style) RGBA() color.RGBA {
	if s.ColorIndex >= 0 && s.ColorIndex < len(Colors) {
		return Colors[s.ColorIndex]
	}
	return Colors[0]
}

type titleEntry struct {
	Shape      string           `yaml:"shape"`
	Characters map[string]Style `yaml:"characters"`
	UpdatedAt  time.Time        `yaml:"updated_at"`
}

type paletteFile struct {
	Version int                   `yaml:"version"`
	Titles  map[string]titleEntry `yaml:"titles"`
}

// Manager assigns and persists per-title character styles. Assignment
// is deterministic for a given character order, so re-running a build
// keeps every character's color stable.
type Manager struct {
	path string

	mu   sync.Mutex
	file paletteFile
}

// Load reads style assignments from the YAML file at path. A missing
// file yields an empty manager.
func Load(path string) (*Manager, error) {
	m := &Manager{
		path: path,
		file: paletteFile{Version: 1, Titles: make(map[string]titleEntry)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read palette file: %w", err)
	}
	if err := yaml.Unmarshal(data, &m.file); err != nil {
		return nil, fmt.Errorf("parse palette file %s: %w", path, err)
	}
	if m.file.Titles == nil {
		m.file.Titles = make(map[string]titleEntry)
	}
	return m, nil
}

// AssignTitle ensures every listed character of a title has a style.
// Existing assignments are kept; new characters take the lowest free
// color index. The updated mapping is written back to disk.
func (m *Manager) AssignTitle(title string, characters []string, shape string) (map[string]Style, error) {
	if shape == "" {
		shape = ShapeRectangle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.file.Titles[title]
	if !ok {
		entry = titleEntry{Shape: shape, Characters: make(map[string]Style)}
	}

	used := make(map[int]bool)
	maxPriority := -1
	for _, st := range entry.Characters {
		used[st.ColorIndex] = true
		if st.Priority > maxPriority {
			maxPriority = st.Priority
		}
	}

	changed := false
	for _, character := range characters {
		if _, ok := entry.Characters[character]; ok {
			continue
		}
		idx := nextFreeColor(used, len(entry.Characters))
		used[idx] = true
		maxPriority++
		c := Colors[idx]
		entry.Characters[character] = Style{
			Character:  character,
			ColorHex:   fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B),
			ColorIndex: idx,
			Shape:      shape,
			Priority:   maxPriority,
		}
		changed = true
	}

	if changed || !ok {
		entry.Shape = shape
		entry.UpdatedAt = time.Now().UTC()
		m.file.Titles[title] = entry
		if err := m.saveLocked(); err != nil {
			return nil, err
		}
	}

	out := make(map[string]Style, len(entry.Characters))
	for name, st := range entry.Characters {
		out[name] = st
	}
	return out, nil
}

// nextFreeColor picks the lowest unused palette index, wrapping past
// the palette size when a title has more characters than colors.
func nextFreeColor(used map[int]bool, assigned int) int {
	for i := range Colors {
		if !used[i] {
			return i
		}
	}
	return assigned % len(Colors)
}

// StyleFor returns the style of one character in a title.
func (m *Manager) StyleFor(title, character string) (Style, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.file.Titles[title]
	if !ok {
		return Style{}, false
	}
	st, ok := entry.Characters[character]
	return st, ok
}

// Titles returns the titles with stored assignments, sorted.
func (m *Manager) Titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.file.Titles))
	for title := range m.file.Titles {
		out = append(out, title)
	}
	sort.Strings(out)
	return out
}

// DeleteTitle removes all assignments of one title.
func (m *Manager) DeleteTitle(title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.file.Titles[title]; !ok {
		return nil
	}
	delete(m.file.Titles, title)
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	data, err := yaml.Marshal(&m.file)
	if err != nil {
		return fmt.Errorf("marshal palette: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create palette directory: %w", err)
		}
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("write palette file: %w", err)
	}
	return nil
}
