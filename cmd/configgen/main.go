package main

import (
	"flag"
	"log"

	"github.com/danmuck/mediactl/internal/config"
)

var defaultPaths = map[string]string{
	"mediad":  "cmd/mediad/config.toml",
	"catalog": "cmd/mediad/catalog.toml",
}

func main() {
	kind := flag.String("kind", "mediad", "config kind: mediad|catalog")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing catalog file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	fallback, ok := defaultPaths[*kind]
	if !ok {
		log.Fatalf("unknown kind: %s", *kind)
	}

	if *validate {
		path := *input
		if path == "" {
			path = fallback
		}
		if *kind != "catalog" {
			log.Fatalf("validation supports kind=catalog; run mediad -config %s to check a daemon config", path)
		}
		catalog, err := config.LoadCatalog(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated catalog at %s (%d codecs)", path, len(catalog.Codecs))
		return
	}

	target := *output
	if target == "" {
		target = fallback
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
