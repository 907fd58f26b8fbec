// Command pgvis renders a process's memstat snapshot as a PNG memory
// map: one colored cell per page, green for resident, amber for
// swapped, gray for unmapped, drawn onto an in-memory RGBA canvas via
// github.com/fogleman/gg. The header label is rendered with a parsed
// TrueType face via github.com/golang/freetype/truetype when one is
// available on the host, falling back to x/image's built-in bitmap
// face otherwise.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"swapvm/process"
)

const (
	cellSize  = 8
	cols      = 64
	margin    = 20
	labelSize = 14
)

var candidateFonts = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
}

func main() {
	out := flag.String("o", "memstat.png", "output image path")
	flag.Parse()

	buf := demoSnapshot()
	if err := render(buf, *out); err != nil {
		fmt.Fprintln(os.Stderr, "pgvis:", err)
		os.Exit(1)
	}
}

// demoSnapshot stands in for a live Memstat call; a real deployment
// wires this to a running process's Memstat output over whatever RPC
// the surrounding kernel exposes (out of scope here).
func demoSnapshot() process.MemstatBuf {
	return process.MemstatBuf{}
}

// labelFace returns the best available face for the header label.
func labelFace() font.Face {
	for _, path := range candidateFonts {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		f, err := truetype.Parse(data)
		if err != nil {
			continue
		}
		return truetype.NewFace(f, &truetype.Options{Size: 12})
	}
	return basicfont.Face7x13
}

func render(buf process.MemstatBuf, path string) error {
	rows := (len(buf.Records) + cols - 1) / cols
	if rows == 0 {
		rows = 1
	}
	w := margin*2 + cols*cellSize
	h := margin*2 + labelSize + rows*cellSize

	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetFontFace(labelFace())
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(
		fmt.Sprintf("pid %d  pages=%d resident=%d swapped=%d", buf.Pid, buf.Pages, buf.Resident, buf.Swapped),
		float64(margin), float64(margin), 0, 1)

	for i, rec := range buf.Records {
		col := i % cols
		row := i / cols
		x := float64(margin + col*cellSize)
		y := float64(margin + labelSize + row*cellSize)

		switch rec.State {
		case process.StateResident:
			if rec.Dirty {
				dc.SetRGB(0.1, 0.6, 0.1)
			} else {
				dc.SetRGB(0.4, 0.8, 0.4)
			}
		case process.StateSwapped:
			dc.SetRGB(0.9, 0.6, 0.1)
		default:
			dc.SetRGB(0.85, 0.85, 0.85)
		}
		dc.DrawRectangle(x, y, cellSize-1, cellSize-1)
		dc.Fill()
	}

	return dc.SavePNG(path)
}
