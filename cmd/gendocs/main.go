// Command gendocs writes the markdown reference of the jumbonet CLI.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra/doc"

	"github.com/jumbonet/jumbonet/internal/cmd"
)

func main() {
	outputDir := flag.String("out", "./docs/commands", "directory the pages are written to")
	baseURL := flag.String("base", "/jumbonet/commands/", "URL prefix of cross links")
	flag.Parse()

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("create %s: %v", *outputDir, err)
	}

	root := cmd.GetRootCmd()
	root.DisableAutoGenTag = true

	frontMatter := func(filename string) string {
		page := strings.TrimSuffix(filepath.Base(filename), ".md")
		return fmt.Sprintf("---\ntitle: %q\nslug: %q\n---\n\n", strings.ReplaceAll(page, "_", " "), page)
	}
	link := func(name string) string {
		return path.Join(*baseURL, strings.ToLower(strings.TrimSuffix(name, ".md"))) + "/"
	}

	if err := doc.GenMarkdownTreeCustom(root, *outputDir, frontMatter, link); err != nil {
		log.Fatalf("generate docs: %v", err)
	}
	log.Printf("wrote CLI reference for %s to %s", root.Name(), *outputDir)
}
