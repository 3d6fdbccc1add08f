package migration

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// FileScanner loads SQL migrations from a directory of an fs.FS.
//
// Two layouts are accepted and may be mixed:
//
//	0007_add_index.up.sql + 0007_add_index.down.sql
//	0008_add_view.sql with "-- +migrate Up" and "-- +migrate Down" sections
type FileScanner struct {
	pairPattern   *regexp.Regexp
	singlePattern *regexp.Regexp
}

// NewFileScanner creates a new FileScanner
func NewFileScanner() *FileScanner {
	return &FileScanner{
		pairPattern:   regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_-]+)\.(up|down)\.sql$`),
		singlePattern: regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_-]+)\.sql$`),
	}
}

type scannedFile struct {
	version     string
	description string
	up          string
	down        string
	upPath      string
	downPath    string
}

// ScanMigrations scans dir for migration files and returns them in ascending order.
func (s *FileScanner) ScanMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, NewFileSystemError(dir, "read directory", err)
	}

	files := make(map[string]*scannedFile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		filePath := path.Join(dir, name)

		if err := s.ValidateFileName(name); err != nil {
			return nil, NewFileSystemError(filePath, "validate filename", err)
		}
		content, err := fs.ReadFile(fsys, filePath)
		if err != nil {
			return nil, NewFileSystemError(filePath, "read file", err)
		}
		if err := validateSQLSyntax(string(content)); err != nil {
			return nil, NewFileSystemError(filePath, "validate SQL syntax", err)
		}

		version, description, kind := s.parseName(name)
		f, ok := files[canonicalVersion(version)]
		if !ok {
			f = &scannedFile{version: version, description: description}
			files[canonicalVersion(version)] = f
		} else if f.description != description {
			return nil, NewFileSystemError(filePath, "check duplicates",
				fmt.Errorf("%w: version %s used by %q and %q", ErrDuplicateVersion, version, f.description, description))
		}

		switch kind {
		case "up":
			if f.upPath != "" {
				return nil, NewFileSystemError(filePath, "check duplicates",
					fmt.Errorf("%w: version %s found in both %s and %s", ErrDuplicateVersion, version, f.upPath, filePath))
			}
			f.up, f.upPath = string(content), filePath
		case "down":
			f.down, f.downPath = string(content), filePath
		default:
			if f.upPath != "" {
				return nil, NewFileSystemError(filePath, "check duplicates",
					fmt.Errorf("%w: version %s found in both %s and %s", ErrDuplicateVersion, version, f.upPath, filePath))
			}
			f.up, f.down = SplitUpDown(string(content))
			f.upPath, f.downPath = filePath, filePath
		}
	}

	migrations := make([]Migration, 0, len(files))
	for _, f := range files {
		if f.upPath == "" {
			return nil, NewFileSystemError(f.downPath, "pair files",
				fmt.Errorf("%w: down migration without matching up migration", ErrInvalidMigrationFile))
		}
		if strings.TrimSpace(f.up) == "" {
			return nil, NewFileSystemError(f.upPath, "validate content",
				fmt.Errorf("%w: migration has no up statements", ErrInvalidMigrationFile))
		}
		description := extractDescription(f.up)
		if description == "" {
			description = strings.ReplaceAll(f.description, "_", " ")
		}
		m := SQL(f.version, description, f.up, f.down)
		m.Source = f.upPath
		if m.Down == nil {
			m.Down = irreversible
		}
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return CompareVersions(migrations[i].Version, migrations[j].Version) < 0
	})
	return migrations, nil
}

func irreversible(context.Context, Tx) error {
	return ErrIrreversible
}

// ValidateFileName checks if migration file follows naming convention
func (s *FileScanner) ValidateFileName(filename string) error {
	if !s.pairPattern.MatchString(filename) && !s.singlePattern.MatchString(filename) {
		return fmt.Errorf("%w: filename '%s' does not match '{version}_{description}[.up|.down].sql'",
			ErrInvalidMigrationFile, filename)
	}
	return nil
}

func (s *FileScanner) parseName(filename string) (version, description, kind string) {
	if m := s.pairPattern.FindStringSubmatch(filename); m != nil {
		return m[1], m[2], m[3]
	}
	m := s.singlePattern.FindStringSubmatch(filename)
	return m[1], m[2], ""
}

// SplitUpDown returns the SQL in the "-- +migrate Up" and "-- +migrate Down"
// sections. Content without markers is treated entirely as up SQL.
func SplitUpDown(content string) (up, down string) {
	upIdx := strings.Index(content, upMarker)
	downIdx := strings.Index(content, downMarker)
	switch {
	case upIdx == -1 && downIdx == -1:
		return content, ""
	case upIdx == -1:
		return content[:downIdx], content[downIdx+len(downMarker):]
	case downIdx == -1:
		return content[upIdx+len(upMarker):], ""
	case downIdx < upIdx:
		return content[upIdx+len(upMarker):], content[downIdx+len(downMarker) : upIdx]
	}
	return content[upIdx+len(upMarker) : downIdx], content[downIdx+len(downMarker):]
}

// validateSQLSyntax performs basic SQL syntax validation
func validateSQLSyntax(sql string) error {
	depth := 0
	var quote rune
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unmatched closing parenthesis", ErrInvalidMigrationFile)
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("%w: unterminated string literal", ErrInvalidMigrationFile)
	}
	if depth != 0 {
		return fmt.Errorf("%w: unmatched opening parenthesis", ErrInvalidMigrationFile)
	}
	return nil
}

// extractDescription reads a leading "-- Description: ..." comment.
func extractDescription(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		if strings.HasPrefix(line, "-- Description:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "-- Description:"))
		}
	}
	return ""
}
