package gcode

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	MarkerStart         = "; --- START INJECTED EJECT GCODE ---"
	MarkerStartReplaced = "; --- START INJECTED EJECT GCODE (REPLACED STANDARD END) ---"
	MarkerEnd           = "; --- END INJECTED EJECT GCODE ---"
)

// standardEnd is the tail emitted by default slicer end scripts: nozzle
// heater off, bed heater off, home X, disable motors.
var standardEnd = [...]string{"M104 S0", "M140 S0", "G28 X0", "M84"}

// Placement records where InjectText put the script.
type Placement int

const (
	// PlacementReplacedEnd means the standard end sequence was replaced.
	PlacementReplacedEnd Placement = iota
	// PlacementBeforeM84 means the script was spliced before the last M84.
	PlacementBeforeM84
	// PlacementAppended means no M84 was found and the script was appended.
	PlacementAppended
)

func (p Placement) String() string {
	switch p {
	case PlacementReplacedEnd:
		return "replaced-standard-end"
	case PlacementBeforeM84:
		return "before-m84"
	case PlacementAppended:
		return "appended"
	}
	return fmt.Sprintf("placement(%d)", int(p))
}

// Injector writes copies of G-code files with an eject script spliced in.
type Injector struct {
	tempDir string
	log     zerolog.Logger
	now     func() time.Time
}

// NewInjector creates an Injector that stages its output in tempDir.
func NewInjector(tempDir string, logger zerolog.Logger) *Injector {
	return &Injector{
		tempDir: tempDir,
		log:     logger.With().Str("component", "gcode").Logger(),
		now:     time.Now,
	}
}

// Inject reads originalPath, inserts script and writes the result to a
// new file under the injector's temp directory. The original file is never
// modified. A missing source yields an error matching fs.ErrNotExist.
func (in *Injector) Inject(originalPath, script string) (string, error) {
	data, err := os.ReadFile(originalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("original g-code file not found: %s: %w", originalPath, fs.ErrNotExist)
		}
		return "", fmt.Errorf("reading g-code: %w", err)
	}

	out, placement := InjectText(string(data), script)

	if err := os.MkdirAll(in.tempDir, 0755); err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}

	pattern := fmt.Sprintf("injected-%d-*-%s", in.now().UnixMilli(), filepath.Base(originalPath))
	f, err := os.CreateTemp(in.tempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("creating injected file: %w", err)
	}
	if _, err := f.WriteString(out); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing injected file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing injected file: %w", err)
	}

	in.log.Debug().
		Str("source", originalPath).
		Str("output", f.Name()).
		Stringer("placement", placement).
		Msg("Injected eject script")

	return f.Name(), nil
}

// InjectText returns text with script inserted according to the placement
// policy: replace the standard end sequence, else splice before the last
// M84, else append.
func InjectText(text, script string) (string, Placement) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	script = strings.TrimRight(strings.ReplaceAll(script, "\r\n", "\n"), "\n")
	scriptLines := strings.Split(script, "\n")
	lines := strings.Split(text, "\n")

	if start, end, ok := findStandardEnd(lines); ok {
		block := wrap(MarkerStartReplaced, scriptLines)
		return joinSplice(lines, start, end+1, block), PlacementReplacedEnd
	}

	block := wrap(MarkerStart, scriptLines)

	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(codePart(lines[i]), "M84") {
			return joinSplice(lines, i, i, block), PlacementBeforeM84
		}
	}

	// Keep a trailing newline in place by inserting ahead of the final
	// empty element.
	at := len(lines)
	if at > 0 && lines[at-1] == "" {
		at--
	}
	return joinSplice(lines, at, at, block), PlacementAppended
}

// findStandardEnd locates the first run of the standard end commands,
// allowing blank lines between them. end is the index of the M84 line.
func findStandardEnd(lines []string) (start, end int, ok bool) {
	for i := range lines {
		if codePart(lines[i]) != standardEnd[0] {
			continue
		}
		j, k := i+1, 1
		for j < len(lines) && k < len(standardEnd) {
			if strings.TrimSpace(lines[j]) == "" {
				j++
				continue
			}
			if codePart(lines[j]) != standardEnd[k] {
				break
			}
			k++
			j++
		}
		if k == len(standardEnd) {
			return i, j - 1, true
		}
	}
	return 0, 0, false
}

// codePart strips the comment from a line and canonicalizes whitespace and
// case so commands compare equal regardless of formatting.
func codePart(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	return strings.ToUpper(strings.Join(strings.Fields(line), " "))
}

func wrap(startMarker string, body []string) []string {
	block := make([]string, 0, len(body)+2)
	block = append(block, startMarker)
	block = append(block, body...)
	return append(block, MarkerEnd)
}

// joinSplice replaces lines[from:to] with block and joins the result.
func joinSplice(lines []string, from, to int, block []string) string {
	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:from]...)
	out = append(out, block...)
	out = append(out, lines[to:]...)
	return strings.Join(out, "\n")
}
