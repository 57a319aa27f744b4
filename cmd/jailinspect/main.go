// Command jailinspect prints and checks the contents of a jail backend
// without starting the daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/crystal-mush/gojails/pkg/archive"
	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/jailconf"
	"github.com/crystal-mush/gojails/pkg/storage"
)

func main() {
	confFile := flag.String("conf", "", "Path to jaild config file (selects the backend)")
	backend := flag.String("backend", "", "Storage backend: file, sql or bolt, overrides config")
	path := flag.String("path", "", "Backend directory (file) or database file (sql, bolt)")
	showCells := flag.Bool("cells", false, "List all cells")
	showConfs := flag.Bool("confinements", false, "List all confinements")
	showSubject := flag.String("subject", "", "Show details for one subject id")
	validate := flag.Bool("validate", false, "Run integrity checks")
	archives := flag.String("archives", "", "List archives in this directory")
	flag.Parse()

	if *confFile == "" && *path == "" && *archives == "" {
		fmt.Fprintln(os.Stderr, "Usage: jailinspect [-conf <jaild.yaml>] [-backend file|sql|bolt -path <path>] [options]")
		fmt.Fprintln(os.Stderr, "  -cells           List cells")
		fmt.Fprintln(os.Stderr, "  -confinements    List confinements")
		fmt.Fprintln(os.Stderr, "  -subject <uuid>  Show one confinement")
		fmt.Fprintln(os.Stderr, "  -validate        Run integrity checks")
		fmt.Fprintln(os.Stderr, "  -archives <dir>  List archives")
		os.Exit(1)
	}

	if *archives != "" {
		if err := printArchives(os.Stdout, *archives); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		if *confFile == "" && *path == "" {
			return
		}
		fmt.Println()
	}

	cfg := jailconf.DefaultConfig()
	if *confFile != "" {
		var err error
		if cfg, err = jailconf.Load(*confFile); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *path != "" {
		cfg.Storage.Dir, cfg.Storage.SQLPath, cfg.Storage.BoltPath = *path, *path, *path
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	b, err := storage.Open(context.Background(), cfg.StorageConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()
	res, err := b.LoadAll(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded in %v\n\n", time.Since(start))

	now := time.Now()
	printSummary(os.Stdout, res, now)
	if *showCells {
		fmt.Println()
		printCells(os.Stdout, res)
	}
	if *showConfs {
		fmt.Println()
		printConfinements(os.Stdout, res, now)
	}
	if *showSubject != "" {
		fmt.Println()
		id, err := jaildb.ParseSubject(*showSubject)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		printSubject(os.Stdout, res, id, now)
	}
	if *validate {
		fmt.Println()
		if errs, _ := runValidation(os.Stdout, res, now); errs > 0 {
			os.Exit(2)
		}
	}
}

var (
	errLabel  = color.New(color.FgRed, color.Bold).Sprint("ERROR:")
	warnLabel = color.New(color.FgYellow).Sprint("WARN:")
	headColor = color.New(color.FgHiBlue, color.Bold)
)

func heading(w io.Writer, format string, args ...any) {
	headColor.Fprintf(w, "=== "+format+" ===\n", args...)
}

func printSummary(w io.Writer, res *jaildb.LoadResult, now time.Time) {
	indefinite, missing, overdue := 0, 0, 0
	for i := range res.Confinements {
		c := &res.Confinements[i]
		switch {
		case c.Indefinite():
			indefinite++
		case c.Expired(now):
			overdue++
		}
		if !c.CellResolved() {
			missing++
		}
	}
	heading(w, "JAIL SUMMARY")
	fmt.Fprintf(w, "Cells:          %d\n", len(res.Cells))
	fmt.Fprintf(w, "Confinements:   %d\n", len(res.Confinements))
	fmt.Fprintf(w, "  timed         %d\n", len(res.Confinements)-indefinite)
	fmt.Fprintf(w, "  indefinite    %d\n", indefinite)
	fmt.Fprintf(w, "  overdue       %d\n", overdue)
	fmt.Fprintf(w, "  no cell       %d\n", missing)
	fmt.Fprintf(w, "Corrupt:        %d\n", len(res.Corrupt))
}

func printCells(w io.Writer, res *jaildb.LoadResult) {
	heading(w, "CELLS")
	occupants := make(map[string]int)
	for _, c := range res.Confinements {
		occupants[c.CellName]++
	}
	cells := append([]jaildb.Cell(nil), res.Cells...)
	sort.Slice(cells, func(i, j int) bool { return cells[i].Key() < cells[j].Key() })

	fmt.Fprintf(w, "%-20s %-9s %s\n", "Name", "Occupants", "Location")
	fmt.Fprintln(w, strings.Repeat("-", 75))
	for _, c := range cells {
		fmt.Fprintf(w, "%-20s %-9d %s\n", truncate(c.Name, 20), occupants[c.Key()], c.Location)
	}
	fmt.Fprintf(w, "\nTotal cells: %d\n", len(cells))
}

func sentence(c *jaildb.Confinement, now time.Time) string {
	if c.Indefinite() {
		return "indefinite"
	}
	if c.Expired(now) {
		return "overdue since " + c.ReleaseAt.Format("2006-01-02 15:04")
	}
	return c.Remaining(now).Round(time.Second).String() + " left"
}

func printConfinements(w io.Writer, res *jaildb.LoadResult, now time.Time) {
	heading(w, "CONFINEMENTS")
	confs := append([]jaildb.Confinement(nil), res.Confinements...)
	sort.Slice(confs, func(i, j int) bool { return confs[i].JailedAt.Before(confs[j].JailedAt) })

	fmt.Fprintf(w, "%-36s %-16s %-14s %s\n", "Subject", "Name", "Cell", "Sentence")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for i := range confs {
		c := &confs[i]
		cell := c.CellName
		if !c.CellResolved() {
			cell = "(removed)"
		}
		fmt.Fprintf(w, "%-36s %-16s %-14s %s\n", c.Subject, truncate(c.SubjectName, 16), truncate(cell, 14), sentence(c, now))
	}
	fmt.Fprintf(w, "\nTotal confinements: %d\n", len(confs))
}

func printSubject(w io.Writer, res *jaildb.LoadResult, id jaildb.SubjectID, now time.Time) {
	for i := range res.Confinements {
		c := &res.Confinements[i]
		if c.Subject != id {
			continue
		}
		heading(w, "SUBJECT %s", c.Subject)
		fmt.Fprintf(w, "Name:         %s\n", c.SubjectName)
		fmt.Fprintf(w, "Cell:         %s\n", c.CellName)
		if c.ReturnUnknown {
			fmt.Fprintf(w, "Return:       %s (placeholder, position unknown)\n", c.Return)
		} else {
			fmt.Fprintf(w, "Return:       %s\n", c.Return)
		}
		fmt.Fprintf(w, "Jailed at:    %s\n", c.JailedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Jailed by:    %s\n", c.JailedBy)
		fmt.Fprintf(w, "Sentence:     %s\n", sentence(c, now))
		if c.OriginalDuration > 0 {
			fmt.Fprintf(w, "Original:     %s\n", c.OriginalDuration)
		}
		fmt.Fprintf(w, "Frozen state: %d bytes\n", len(c.Frozen))
		return
	}
	fmt.Fprintf(w, "Subject %s is not confined\n", id)
}

// runValidation reports records the registry would repair or reject at
// startup. It returns the error and warning counts.
func runValidation(w io.Writer, res *jaildb.LoadResult, now time.Time) (errs, warnings int) {
	heading(w, "VALIDATION")

	for _, c := range res.Corrupt {
		fmt.Fprintf(w, "%s %v\n", errLabel, c)
		errs++
	}

	cells := make(map[string]bool, len(res.Cells))
	for _, c := range res.Cells {
		if cells[c.Key()] {
			fmt.Fprintf(w, "%s cell %q defined twice\n", errLabel, c.Name)
			errs++
		}
		cells[c.Key()] = true
		if c.Location.World == "" {
			fmt.Fprintf(w, "%s cell %q has no world\n", warnLabel, c.Name)
			warnings++
		}
		if err := jaildb.ValidateCellName(c.Name); err != nil {
			fmt.Fprintf(w, "%s cell %q: %v (cannot be redefined under this name)\n", warnLabel, c.Name, err)
			warnings++
		}
	}

	seen := make(map[jaildb.SubjectID]bool, len(res.Confinements))
	for i := range res.Confinements {
		c := &res.Confinements[i]
		if seen[c.Subject] {
			fmt.Fprintf(w, "%s subject %s confined twice\n", errLabel, c.Subject)
			errs++
		}
		seen[c.Subject] = true
		if err := c.Validate(); err != nil {
			fmt.Fprintf(w, "%s subject %s: %v\n", errLabel, c.Subject, err)
			errs++
		}
		if c.CellResolved() && !cells[c.CellName] {
			fmt.Fprintf(w, "%s subject %s references missing cell %q (detached at next start)\n", warnLabel, c.Subject, c.CellName)
			warnings++
		}
		if c.Expired(now) {
			fmt.Fprintf(w, "%s subject %s overdue since %s (released at next start)\n", warnLabel, c.Subject, c.ReleaseAt.Format(time.RFC3339))
			warnings++
		}
	}

	fmt.Fprintf(w, "\n%d errors, %d warnings\n", errs, warnings)
	return errs, warnings
}

func printArchives(w io.Writer, dir string) error {
	infos, err := archive.ListArchives(dir)
	if err != nil {
		return err
	}
	heading(w, "ARCHIVES in %s", dir)
	fmt.Fprintf(w, "%-40s %-8s %-6s %-6s %-10s %s\n", "File", "Backend", "Cells", "Jailed", "Size", "Timestamp")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, a := range infos {
		fmt.Fprintf(w, "%-40s %-8s %-6d %-6d %-10d %s\n", truncate(a.Filename, 40), a.Backend, a.Cells, a.Confinements, a.Size, a.Timestamp)
	}
	fmt.Fprintf(w, "\nTotal archives: %d\n", len(infos))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
