package hub

import (
	mathrand "math/rand"

	mapset "github.com/deckarep/golang-set/v2"
)

// high-contrast presence colors. small on purpose so collaborator
// cursors stay tellable apart.
var PresencePalette = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#fabebe",
	"#008080",
	"#e6beff",
	"#9a6324",
	"#800000",
}

// picks uniformly from the palette colors not in use. when more
// subscribers are active than the palette has colors, picks uniformly
// from the full palette and colors repeat.
// called inside the registry critical section for the document, so two
// simultaneous subscribers cannot both observe the same free color.
func chooseColor(palette []string, inUse mapset.Set[string]) string {
	available := []string{}
	for _, color := range palette {
		if !inUse.Contains(color) {
			available = append(available, color)
		}
	}
	if len(available) == 0 {
		return palette[mathrand.Intn(len(palette))]
	}
	return available[mathrand.Intn(len(available))]
}
