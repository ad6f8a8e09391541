package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadConfigFiles returns the contents of every yaml file found at path, in lexical order of their absolute paths.
// A path naming a file directly is always read, whatever its extension.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)

	docs := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}

		docs = append(docs, string(b))
	}

	return docs, nil
}

func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if f, ok := checkFile(path, direct); ok {
			return []string{f}, nil
		}
		return nil, nil
	}

	names, err := readDirNames(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %s", path, err)
	}

	var files []string
	for _, n := range names {
		f, err := resolve(filepath.Join(path, n), false)
		if err != nil {
			return nil, err
		}

		files = append(files, f...)
	}

	return files, nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

// checkFile returns the absolute path of a config file and whether it should be loaded.
// Files found while walking a directory must be yaml and must not be hidden.
func checkFile(path string, direct bool) (string, bool) {
	if !direct {
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return "", false
		}

		if strings.HasPrefix(filepath.Base(path), ".") {
			return "", false
		}
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	return ap, true
}
