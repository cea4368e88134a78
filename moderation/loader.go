package moderation

import (
	"bufio"
	"bytes"
	"embed"
	"io/fs"
	"strings"

	apperrors "parley/errors"
)

//go:embed censored/*
var censoredFS embed.FS

// WordList carries the loaded blacklist plus metadata for startup logging.
type WordList struct {
	Words     []string
	Languages []string
}

// LoadEmbedded parses the embedded per-language dictionaries
// (censored/<lang>.txt, one word per line, '#' comments) into a unique
// word list.
func LoadEmbedded() (*WordList, error) {
	entries, err := fs.ReadDir(censoredFS, "censored")
	if err != nil {
		return nil, err
	}

	var languages []string
	unique := make(map[string]struct{})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		languages = append(languages, strings.TrimSuffix(entry.Name(), ".txt"))

		data, err := censoredFS.ReadFile("censored/" + entry.Name())
		if err != nil {
			return nil, err
		}

		// A scanner handles both \n and \r\n line endings.
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			unique[strings.ToLower(line)] = struct{}{}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	if len(unique) == 0 {
		return nil, apperrors.ErrEmptyWords
	}

	words := make([]string, 0, len(unique))
	for w := range unique {
		words = append(words, w)
	}
	return &WordList{Words: words, Languages: languages}, nil
}
