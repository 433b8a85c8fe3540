// Command ntfsindex is a minimal CLI front end standing in for the external
// presentation collaborator of spec.md §6: it drives pkg/engine end to end
// from the command line, rather than through a window and table view.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fastfile/ntfsindex/pkg/engine"
	"github.com/fastfile/ntfsindex/pkg/search"
)

var (
	flagRoot            = flag.String("root", "C:", "volume or directory to index")
	flagIndex           = flag.String("index", "index.dat", "path to the persisted index file")
	flagRefreshFileList = flag.Bool("refreshFileList", false, "rebuild the index before querying, instead of loading -index")
	flagQuery           = flag.String("query", "", "run one query and print matching entries")
	flagSort            = flag.String("sort", "direct", "result order: direct, name, size, or date")
	flagReverse         = flag.Bool("reverse", false, "reverse the selected sort order")
	flagCaseSensitive   = flag.Bool("case-sensitive", false, "match -query with exact case")
	flagPrefix          = flag.Bool("prefix", false, "require -query to prefix-match rather than substring-match")
	flagFiles           = flag.Bool("files", true, "include files in -query results")
	flagDirs            = flag.Bool("dirs", true, "include directories in -query results")
)

func main() {
	flag.Parse()

	e := engine.New(*flagRoot)
	defer e.Close()

	if *flagRefreshFileList {
		log.Printf("building index for %q", *flagRoot)
		if err := e.RefreshIndex(*flagIndex); err != nil {
			exitf("building index: %v", err)
		}
	} else if err := e.LoadIndex(*flagIndex); err != nil {
		exitf("loading %s: %v", *flagIndex, err)
	}

	if *flagQuery == "" {
		return
	}

	sortMode, err := parseSortMode(*flagSort)
	if err != nil {
		exitf("%v", err)
	}

	e.SubmitQuery(search.Query{
		Pattern:         *flagQuery,
		CaseSensitive:   *flagCaseSensitive,
		AllowSubstrings: !*flagPrefix,
		IncludeFiles:    *flagFiles,
		IncludeDirs:     *flagDirs,
		Sort:            sortMode,
		Reverse:         *flagReverse,
	})

	results := waitForResults(e)
	for _, id := range results.IDs {
		fmt.Println(e.FullPath(id))
	}
	log.Printf("%d results in %s", len(results.IDs), results.Elapsed)
}

func parseSortMode(s string) (search.SortMode, error) {
	switch strings.ToLower(s) {
	case "direct", "":
		return search.Direct, nil
	case "name":
		return search.Name, nil
	case "size":
		return search.Size, nil
	case "date":
		return search.Date, nil
	default:
		return 0, fmt.Errorf("-sort: unrecognized value %q", s)
	}
}

// waitForResults polls the search worker until it publishes an evaluation,
// mirroring the way a presentation layer would poll take_results() once per
// repaint tick (spec.md §6) rather than blocking on a channel the engine
// doesn't expose.
func waitForResults(e *engine.Engine) search.Results {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r := e.TakeResults(); r.Elapsed > 0 || len(r.IDs) > 0 {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	return e.TakeResults()
}

func exitf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
