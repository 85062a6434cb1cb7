// Package gcode extracts print metadata from sliced G-code and rewrites
// files to carry a custom end-of-print script.
package gcode

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	headerLines = 200
	footerLines = 200
	boundsLines = 500
)

// Metadata is what Parse could learn from a file. A nil field was not
// present (or not parseable) in any supported dialect.
type Metadata struct {
	EstimatedTime *int     `json:"estimatedTime,omitempty"` // seconds
	FilamentGrams *float64 `json:"filamentGrams,omitempty"`
	WidthMm       *float64 `json:"widthMm,omitempty"`
	DepthMm       *float64 `json:"depthMm,omitempty"`
	HeightMm      *float64 `json:"heightMm,omitempty"`
	Material      *string  `json:"material,omitempty"`
	LayerHeightMm *float64 `json:"layerHeightMm,omitempty"`
	NozzleTempC   *int     `json:"nozzleTempC,omitempty"`
	BedTempC      *int     `json:"bedTempC,omitempty"`
}

func ci(expr string) *regexp.Regexp { return regexp.MustCompile(`(?i)` + expr) }

// Dialect tables. Within one line the first matching pattern wins; across
// lines the first line that populates a field wins.
var (
	materialPatterns = []*regexp.Regexp{
		ci(`;\s*filament_type\s*=\s*(\w+)`), // PrusaSlicer, BambuStudio
		ci(`;\s*MATERIAL:\s*(\w+)`),         // Cura
		ci(`;\s*filamentType,\s*(\w+)`),     // Simplify3D
		ci(`;\s*Extruder 0 Material:\s*(\w+)`),
		ci(`;\s*nozzle_0_material:\s*(\w+)`),
	}
	layerHeightPatterns = []*regexp.Regexp{
		ci(`;\s*layer_height\s*=\s*([\d.]+)`),
		ci(`;\s*Layer height:\s*([\d.]+)`),
	}
	nozzleTempPatterns = []*regexp.Regexp{
		ci(`;\s*(?:first_layer_)?temperature\s*=\s*(\d+)`),
		ci(`;\s*Extruder 0 Print Temperature:\s*(\d+)`),
		ci(`;\s*nozzle_temperature\(°C\):\s*(\d+)`),
	}
	bedTempPatterns = []*regexp.Regexp{
		ci(`;\s*(?:first_layer_)?bed_temperature\s*=\s*(\d+)`),
		ci(`;\s*Bed Temperature:\s*(\d+)`),
		ci(`;\s*build_plate_temperature\(°C\):\s*(\d+)`),
	}
	filamentPatterns = []*regexp.Regexp{
		ci(`;\s*filament used \[g\]\s*=\s*([\d.]+)`),
		ci(`;\s*Filament weight\s*=\s*([\d.]+)`),
	}
	timeSecondsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^;TIME:\s*(\d+)`),
		ci(`;\s*Estimated Print Time:\s*(\d+)`),
		ci(`;\s*estimated_time\(s\):\s*([\d.]+)`),
	}

	boundsPatterns = map[string][]*regexp.Regexp{
		"min_x": {ci(`;\s*min_x\s*=\s*([\d.-]+)`), ci(`;\s*min_x\(mm\):\s*([\d.-]+)`), ci(`;\s*Work Range - Min X:\s*([\d.-]+)`)},
		"max_x": {ci(`;\s*max_x\s*=\s*([\d.-]+)`), ci(`;\s*max_x\(mm\):\s*([\d.-]+)`), ci(`;\s*Work Range - Max X:\s*([\d.-]+)`)},
		"min_y": {ci(`;\s*min_y\s*=\s*([\d.-]+)`), ci(`;\s*min_y\(mm\):\s*([\d.-]+)`), ci(`;\s*Work Range - Min Y:\s*([\d.-]+)`)},
		"max_y": {ci(`;\s*max_y\s*=\s*([\d.-]+)`), ci(`;\s*max_y\(mm\):\s*([\d.-]+)`), ci(`;\s*Work Range - Max Y:\s*([\d.-]+)`)},
		"min_z": {ci(`;\s*min_z\s*=\s*([\d.-]+)`), ci(`;\s*min_z\(mm\):\s*([\d.-]+)`), ci(`;\s*Work Range - Min Z:\s*([\d.-]+)`)},
		"max_z": {ci(`;\s*max_z\s*=\s*([\d.-]+)`), ci(`;\s*max_z\(mm\):\s*([\d.-]+)`), ci(`;\s*Work Range - Max Z:\s*([\d.-]+)`)},
	}
)

// Parse extracts metadata from G-code text. Only the header and footer
// comment windows are scanned.
func Parse(text string) Metadata {
	lines := splitLines(text)

	var meta Metadata
	for _, line := range scanWindow(lines) {
		scanLine(strings.TrimSpace(line), &meta)
	}
	scanBounds(tail(lines, boundsLines), &meta)

	return meta
}

// splitLines normalizes line endings and splits on LF.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

func head(lines []string, n int) []string {
	if len(lines) < n {
		return lines
	}
	return lines[:n]
}

func tail(lines []string, n int) []string {
	if len(lines) < n {
		return lines
	}
	return lines[len(lines)-n:]
}

// scanWindow returns the header lines followed by the footer lines. Short
// files appear in both halves, which is harmless since fields never
// overwrite.
func scanWindow(lines []string) []string {
	window := make([]string, 0, headerLines+footerLines)
	window = append(window, head(lines, headerLines)...)
	window = append(window, tail(lines, footerLines)...)
	return window
}

func scanLine(line string, meta *Metadata) {
	if !strings.Contains(line, ";") {
		return
	}

	if meta.Material == nil {
		if v, ok := firstMatch(line, materialPatterns); ok {
			material := strings.ToUpper(v)
			meta.Material = &material
		}
	}
	if meta.LayerHeightMm == nil {
		meta.LayerHeightMm = matchFloat(line, layerHeightPatterns)
	}
	if meta.NozzleTempC == nil {
		meta.NozzleTempC = matchInt(line, nozzleTempPatterns)
	}
	if meta.BedTempC == nil {
		meta.BedTempC = matchInt(line, bedTempPatterns)
	}
	if meta.FilamentGrams == nil {
		meta.FilamentGrams = matchFloat(line, filamentPatterns)
	}
	if meta.EstimatedTime == nil {
		meta.EstimatedTime = matchTime(line)
	}
}

// matchTime handles the compound "estimated printing time ... = 1h 2m 3s"
// form and the integer-seconds markers.
func matchTime(line string) *int {
	if strings.Contains(line, "estimated printing time") {
		value := line
		if idx := strings.LastIndexByte(line, '='); idx >= 0 {
			value = line[idx+1:]
		}
		if secs := parseDuration(value); secs > 0 {
			return &secs
		}
		return nil
	}
	if v, ok := firstMatch(line, timeSecondsPatterns); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		secs := int(math.Round(f))
		return &secs
	}
	return nil
}

// scanBounds reads the bounding-box markers. Later markers in the window
// replace earlier ones, since footers are written after the print.
func scanBounds(lines []string, meta *Metadata) {
	found := make(map[string]float64, len(boundsPatterns))
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, ";") {
			continue
		}
		for key, patterns := range boundsPatterns {
			if v := matchFloat(line, patterns); v != nil {
				found[key] = *v
			}
		}
	}

	meta.WidthMm = span(found, "min_x", "max_x")
	meta.DepthMm = span(found, "min_y", "max_y")
	meta.HeightMm = span(found, "min_z", "max_z")
}

func span(found map[string]float64, minKey, maxKey string) *float64 {
	lo, okLo := found[minKey]
	hi, okHi := found[maxKey]
	if !okLo || !okHi {
		return nil
	}
	d := math.Abs(hi - lo)
	return &d
}

func firstMatch(line string, patterns []*regexp.Regexp) (string, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func matchFloat(line string, patterns []*regexp.Regexp) *float64 {
	v, ok := firstMatch(line, patterns)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func matchInt(line string, patterns []*regexp.Regexp) *int {
	v, ok := firstMatch(line, patterns)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}
