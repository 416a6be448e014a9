package models

import (
	"fmt"
	"sort"

	"github.com/jupark12/ydl-server/extractor"
)

// Preset maps a short token to extractor settings and an output extension.
type Preset struct {
	Name           string
	Format         string
	PostProcessors []extractor.PostProcessor
	Extension      string
}

// Options builds the extractor options for p.
func (p Preset) Options() extractor.Options {
	return extractor.Options{
		Format:         p.Format,
		PostProcessors: append([]extractor.PostProcessor(nil), p.PostProcessors...),
		NoPlaylist:     true,
		Quiet:          true,
	}
}

// DefaultPresets returns the built-in presets.
func DefaultPresets() []Preset {
	return []Preset{
		{Name: "smallmp4", Format: "mp4[height<=480]/best[ext=mp4]", Extension: "mp4"},
		{Name: "normalmp4", Format: "mp4[height<=720]/best[ext=mp4]", Extension: "mp4"},
		{Name: "bestmp4", Format: "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]", Extension: "mp4"},
		{
			Name:   "mp3",
			Format: "bestaudio/best",
			PostProcessors: []extractor.PostProcessor{{
				Key:              extractor.KeyExtractAudio,
				PreferredCodec:   "mp3",
				PreferredQuality: "192",
			}},
			Extension: "mp3",
		},
	}
}

// PresetTable is the immutable set of presets plus the fallback token.
type PresetTable struct {
	presets map[string]Preset
	def     string
}

// NewPresetTable builds a table. defaultName must name one of presets.
func NewPresetTable(presets []Preset, defaultName string) (*PresetTable, error) {
	t := &PresetTable{presets: make(map[string]Preset, len(presets)), def: defaultName}
	for _, p := range presets {
		t.presets[p.Name] = p
	}
	if _, ok := t.presets[defaultName]; !ok {
		return nil, fmt.Errorf("default preset %q is not defined", defaultName)
	}
	return t, nil
}

// Resolve returns the preset for token, falling back to the default preset
// for unknown tokens. The boolean reports whether token was known.
func (t *PresetTable) Resolve(token string) (Preset, bool) {
	if p, ok := t.presets[token]; ok {
		return p, true
	}
	return t.presets[t.def], false
}

// Default returns the default preset token.
func (t *PresetTable) Default() string {
	return t.def
}

// Names returns all preset tokens, sorted.
func (t *PresetTable) Names() []string {
	names := make([]string, 0, len(t.presets))
	for name := range t.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
