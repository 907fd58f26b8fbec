// Command pgprofile converts a process's memstat snapshot into a
// pprof profile with one sample per residency state, whose value is
// the number of tracked pages in that state. It exists so the page-descriptor table can be inspected with
// the same `go tool pprof` flame-graph and tree views operators
// already use for CPU/heap profiles, rather than a bespoke viewer.
package main

import (
	"compress/gzip"
	"flag"
	"fmt"
	"os"

	"github.com/google/pprof/profile"

	"swapvm/process"
)

func main() {
	out := flag.String("o", "memstat.pb.gz", "output profile path")
	pid := flag.Int("pid", 0, "pid to label the profile with")
	flag.Parse()

	buf := demoSnapshot(*pid)
	prof := buildProfile(buf)

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pgprofile:", err)
		os.Exit(1)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := prof.Write(gz); err != nil {
		fmt.Fprintln(os.Stderr, "pgprofile:", err)
		os.Exit(1)
	}
	gz.Close()
}

// demoSnapshot stands in for a live process's Memstat call when this
// tool is run standalone; a real deployment wires this to a running
// process's Memstat output over whatever RPC the surrounding kernel
// exposes (out of scope here).
func demoSnapshot(pid int) process.MemstatBuf {
	return process.MemstatBuf{Pid: pid}
}

func buildProfile(buf process.MemstatBuf) *profile.Profile {
	residentType := &profile.ValueType{Type: "pages", Unit: "count"}
	stateLabel := func(st process.PageRecord) string {
		switch st.State {
		case process.StateResident:
			return "resident"
		case process.StateSwapped:
			return "swapped"
		default:
			return "unmapped"
		}
	}

	byState := map[string]*profile.Function{
		"resident": {ID: 1, Name: "resident"},
		"swapped":  {ID: 2, Name: "swapped"},
		"unmapped": {ID: 3, Name: "unmapped"},
	}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{residentType},
		PeriodType: residentType,
		Period:     1,
	}
	for _, fn := range byState {
		prof.Function = append(prof.Function, fn)
		loc := &profile.Location{
			ID:   uint64(fn.ID),
			Line: []profile.Line{{Function: fn}},
		}
		prof.Location = append(prof.Location, loc)
	}

	counts := map[string]int64{}
	for _, rec := range buf.Records {
		counts[stateLabel(rec)]++
	}
	for state, fn := range byState {
		n := counts[state]
		if n == 0 {
			continue
		}
		var loc *profile.Location
		for _, l := range prof.Location {
			if l.ID == uint64(fn.ID) {
				loc = l
				break
			}
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{n},
			Label:    map[string][]string{"state": {state}},
		})
	}
	return prof
}
