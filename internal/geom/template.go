package geom

// Room templates offered by the editor. Sizes are in meters.
var templates = map[string]Dimensions{
	"small_studio": {Width: 2.5, Depth: 3, Height: 2.5},
	"rectangular":  {Width: 3, Depth: 4, Height: 2.5},
	"lshaped":      {Width: 5, Depth: 5, Height: 2.5},
	"custom":       {Width: 3, Depth: 3, Height: 2.5},
}

// DefaultTemplate is used when a project names no template.
const DefaultTemplate = "rectangular"

// Template returns the dimensions of a named room template.
func Template(name string) (Dimensions, bool) {
	d, ok := templates[name]
	return d, ok
}
