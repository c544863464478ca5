package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Utterance is a single synthesis input from a test-metadata manifest.
type Utterance struct {
	UttID     string   `json:"utt_id"`
	Text      string   `json:"text,omitempty"`
	Phones    []string `json:"phones,omitempty"`
	Tones     []string `json:"tones,omitempty"`
	FeatsPath string   `json:"feats_path,omitempty"`
}

// Load reads a manifest, dispatching on file extension: ".jsonl" is one
// JSON object per line, ".json" a JSON array, anything else the
// pipe-delimited "id|raw|normalized" layout.
func Load(path string) ([]Utterance, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return loadJSONLines(path)
	case ".json":
		return loadJSONArray(path)
	default:
		return loadDelimited(path)
	}
}

func loadJSONArray(path string) ([]Utterance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var records []Utterance
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return checked(path, records)
}

func loadJSONLines(path string) ([]Utterance, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var records []Utterance
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Utterance
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse manifest %s line %d: %w", path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return checked(path, records)
}

func loadDelimited(path string) ([]Utterance, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var records []Utterance
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			return nil, fmt.Errorf("manifest %s line %d: expected id|raw|normalized", path, lineNo)
		}
		// last field is the normalized transcript
		records = append(records, Utterance{
			UttID: fields[0],
			Text:  fields[len(fields)-1],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return checked(path, records)
}

func checked(path string, records []Utterance) ([]Utterance, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("manifest %s contains no utterances", path)
	}
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if rec.UttID == "" {
			return nil, fmt.Errorf("manifest %s: record %d has no utt_id", path, i)
		}
		if _, dup := seen[rec.UttID]; dup {
			return nil, fmt.Errorf("manifest %s: duplicate utt_id %q", path, rec.UttID)
		}
		seen[rec.UttID] = struct{}{}
	}
	return records, nil
}
