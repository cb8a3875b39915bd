package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	extr "github.com/arminnakhjiri/BasicGEE/crawl/extractor"
	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/utils"
)

const insertBatch = 500

func ensure(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// output writes records as JSON lines or as path, kind and JSON
// separated by tabs.
type output struct {
	w      *bufio.Writer
	format string
}

func (o *output) write(rec *extr.SceneRecord) error {
	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if o.format == "tsv" {
		_, err = fmt.Fprintf(o.w, "%s\t%s\t%s\n", rec.Sidecar, rec.Format, out)
	} else {
		_, err = fmt.Fprintf(o.w, "%s\n", out)
	}
	return err
}

// inserter buffers scenes and writes them to the catalog in batches.
type inserter struct {
	store   *catalog.Store
	pending []*catalog.Scene
	total   int
}

func (in *inserter) add(rec *extr.SceneRecord) error {
	in.pending = append(in.pending, rec.Scene)
	if len(in.pending) >= insertBatch {
		return in.flush()
	}
	return nil
}

func (in *inserter) flush() error {
	if len(in.pending) == 0 {
		return nil
	}
	if err := in.store.Insert(context.Background(), in.pending...); err != nil {
		return err
	}
	in.total += len(in.pending)
	in.pending = in.pending[:0]
	return nil
}

func main() {
	rootDir := flag.String("root", "", "Directory to crawl for scene sidecars. When empty a single sidecar path is read from the arguments.")
	conc := flag.Int("conc", 8, "Number of directories read concurrently.")
	collection := flag.String("collection", "landsat", "Collection assigned to scenes that do not name one.")
	pattern := flag.String("pattern", "", "Expression over 'path' and 'type' selecting files and directories to visit.")
	filter := flag.String("filter", "", "Expression over scene fields, e.g. \"cloud_cover < 20 && wrs_path == 166\".")
	followSymlink := flag.Bool("follow_symlink", false, "Follow symbolic links.")
	format := flag.String("fmt", "json", "Output format: json or tsv.")
	driver := flag.String("driver", "", "Insert scenes into the catalog database instead of printing them: postgres or sqlite.")
	dsn := flag.String("dsn", "", "Catalog database DSN, defaults to $BANDMATH_DB_DSN.")
	envFile := flag.String("env", ".env", "Optional .env file.")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	ensure(utils.LoadEnv(*envFile))

	sceneFilter, err := extr.NewSceneFilter(*filter)
	ensure(err)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	out := &output{w: w, format: *format}
	emit := out.write

	var ins *inserter
	if len(*driver) > 0 {
		if len(*dsn) == 0 {
			*dsn = os.Getenv(utils.EnvDBDSN)
		}
		store, err := catalog.Open(*driver, *dsn, *verbose)
		ensure(err)
		defer store.Close()
		ins = &inserter{store: store}
		emit = ins.add
	}

	if len(*rootDir) == 0 {
		if flag.NArg() != 1 {
			log.Fatal("Please provide -root, a sidecar path or '-' for reading paths from stdin")
		}
		path := flag.Arg(0)
		paths := []string{path}
		if path == "-" {
			paths, err = readLines(os.Stdin)
			ensure(err)
		}
		for _, p := range paths {
			rec, err := extr.ExtractYaml(p, *collection)
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			ok, err := sceneFilter.Match(rec.Scene)
			ensure(err)
			if ok {
				ensure(emit(rec))
			}
		}
	} else {
		crawler, err := extr.NewPosixCrawler(*conc, *collection, *pattern, sceneFilter, *followSymlink)
		ensure(err)
		if err := crawler.Crawl(*rootDir, emit); err != nil {
			os.Stderr.Write([]byte(err.Error() + "\n"))
		}
	}

	if ins != nil {
		ensure(ins.flush())
		if *verbose {
			log.Printf("inserted %d scenes", ins.total)
		}
	}
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
