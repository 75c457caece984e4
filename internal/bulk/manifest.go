package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"media-orchestrator/internal/models"
)

// Defaults fill in metadata for files the manifest does not mention.
type Defaults struct {
	TitleTemplate string
	Description   string
	Tags          []string
	Visibility    string
	Category      string
}

// DefaultManifestDefaults mirrors the bulk upload form's presets.
func DefaultManifestDefaults() Defaults {
	return Defaults{
		TitleTemplate: models.DefaultTitleTemplate,
		Description:   "Uploaded via bulk upload tool",
		Tags:          []string{"bulk", "upload"},
		Visibility:    models.DefaultVisibility,
		Category:      models.DefaultCategory,
	}
}

var manifestColumns = []string{"filename", "title", "description", "tags", "privacy", "category"}

var mediaExtensions = map[string]struct{}{
	".mp4": {}, ".m4v": {}, ".mov": {}, ".mkv": {}, ".webm": {},
	".avi": {}, ".flv": {}, ".wmv": {}, ".mpg": {}, ".mpeg": {}, ".3gp": {},
}

type manifestRow struct {
	title       string
	description string
	tags        []string
	privacy     string
	category    string
}

// ParseManifest lists the media files in dir in name order and returns one
// ItemSpec per file. Rows of the optional CSV manifest (header
// filename,title,description,tags,privacy,category) override the defaults
// for the file they name; other files get defaults with {index} expanded.
func ParseManifest(r io.Reader, dir string, defaults Defaults) ([]ItemSpec, error) {
	files, err := listMediaFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no media files in %s: %w", dir, ErrNoItems)
	}

	rows := map[string]manifestRow{}
	if r != nil {
		rows, err = readManifest(r)
		if err != nil {
			return nil, err
		}
	}

	specs := make([]ItemSpec, 0, len(files))
	for i, name := range files {
		spec := ItemSpec{SourcePath: filepath.Join(dir, name)}
		if row, ok := rows[name]; ok {
			spec.Title = row.title
			spec.Description = row.description
			spec.Tags = row.tags
			spec.Visibility = row.privacy
			spec.Category = row.category
		} else {
			template := defaults.TitleTemplate
			if template == "" {
				template = models.DefaultTitleTemplate
			}
			spec.Title = ExpandTitle(template, i+1)
			spec.Description = defaults.Description
			spec.Tags = append([]string(nil), defaults.Tags...)
			spec.Visibility = defaults.Visibility
			spec.Category = defaults.Category
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func listMediaFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read media directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, ok := mediaExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func readManifest(r io.Reader) (map[string]manifestRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return map[string]manifestRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, column := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(column, "\ufeff")))] = i
	}
	if _, ok := index["filename"]; !ok {
		return nil, fmt.Errorf("manifest is missing the filename column (expected %s)", strings.Join(manifestColumns, ","))
	}

	field := func(record []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	rows := make(map[string]manifestRow)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest line %d: %w", line, err)
		}
		name := field(record, "filename")
		if name == "" {
			continue
		}
		if _, dup := rows[name]; dup {
			continue
		}
		rows[name] = manifestRow{
			title:       field(record, "title"),
			description: field(record, "description"),
			tags:        splitTags(field(record, "tags")),
			privacy:     field(record, "privacy"),
			category:    field(record, "category"),
		}
	}
	return rows, nil
}

func splitTags(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
