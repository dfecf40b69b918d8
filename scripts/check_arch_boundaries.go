package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// allowed lists, per internal package, the internal packages it may import.
// Pipelines sit above the building blocks; only cli wires concrete
// fetchers, capturers and archives into them.
var allowed = map[string]map[string]bool{
	"cli": {
		"catalog":     true,
		"chunk":       true,
		"datacache":   true,
		"fetch":       true,
		"linkpreview": true,
		"model":       true,
		"orphans":     true,
		"runstore":    true,
		"selector":    true,
		"shot":        true,
		"writer":      true,
	},
	"linkpreview": {
		"catalog":  true,
		"chunk":    true,
		"manifest": true,
		"merge":    true,
		"model":    true,
		"runstore": true,
		"selector": true,
		"writer":   true,
	},
	"datacache": {
		"catalog":  true,
		"chunk":    true,
		"manifest": true,
		"model":    true,
		"runstore": true,
		"writer":   true,
	},
	"writer": {
		"compact":  true,
		"manifest": true,
		"model":    true,
		"runstore": true,
	},
	"manifest": {
		"model":    true,
		"runstore": true,
	},
	"orphans": {
		"model":    true,
		"runstore": true,
	},
	"shot": {
		"model":    true,
		"runstore": true,
	},
	"catalog":  {"model": true},
	"chunk":    {"model": true},
	"fetch":    {"model": true},
	"merge":    {"model": true},
	"selector": {"model": true},
	"compact":  {},
	"model":    {},
	"runstore": {},
}

// binaries may only reach the internal tree through cli.
var binaryAllowed = map[string]bool{"cli": true}

func main() {
	violations := []string{}
	for _, root := range []string{"internal", "cmd"} {
		violations = append(violations, checkTree(root)...)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "architecture boundary violations detected:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "- %s\n", v)
		}
		os.Exit(1)
	}

	fmt.Println("architecture boundary check: OK")
}

func checkTree(root string) []string {
	var violations []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		srcPkg := sourcePackage(path)
		if srcPkg == "" {
			return nil
		}
		allowMap, ok := allowed[srcPkg]
		if root == "cmd" {
			allowMap, ok = binaryAllowed, true
		}
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: unknown source package %q", path, srcPkg))
			return nil
		}

		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}

		for _, imp := range file.Imports {
			impPath := strings.Trim(imp.Path.Value, "\"")
			tgtPkg, ok := targetPackage(impPath)
			if !ok {
				continue
			}
			if tgtPkg == srcPkg {
				continue
			}
			if !allowMap[tgtPkg] {
				violations = append(violations, fmt.Sprintf("%s: %s -> %s is forbidden", path, srcPkg, tgtPkg))
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boundary walk of %s failed: %v\n", root, err)
		os.Exit(1)
	}
	return violations
}

func sourcePackage(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 2 || (parts[0] != "internal" && parts[0] != "cmd") {
		return ""
	}
	return parts[1]
}

func targetPackage(importPath string) (string, bool) {
	const prefix = "sitecache/internal/"
	if !strings.HasPrefix(importPath, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(importPath, prefix)
	if rest == "" {
		return "", false
	}
	parts := strings.Split(rest, "/")
	return parts[0], true
}
