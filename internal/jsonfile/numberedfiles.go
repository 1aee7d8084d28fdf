package jsonfile

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/exp/slices"
)

// NumberedFile is a file whose name carries a sequence number.
type NumberedFile struct {
	Filename string
	ID       uint64
}

// NumberedFilePattern matches files named <prefix><hex number><suffix>.
type NumberedFilePattern struct {
	re      *regexp.Regexp
	nameFmt string
}

// MakeHexFilePattern creates a pattern for files with hex encoded numbers.
// It panics if prefix or suffix contain regexp metacharacters that make the
// pattern invalid.
func MakeHexFilePattern(prefix, suffix string) NumberedFilePattern {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `([0-9a-f]{1,16})` +
		regexp.QuoteMeta(suffix) + "$")
	return NumberedFilePattern{re: re, nameFmt: prefix + "%08x" + suffix}
}

// FilenameFor returns the filename of the file numbered id.
func (p NumberedFilePattern) FilenameFor(id uint64) string {
	return fmt.Sprintf(p.nameFmt, id)
}

func (p NumberedFilePattern) parse(name string) (uint64, bool) {
	m := p.re.FindStringSubmatch(name)
	if len(m) < 2 {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 16, 64)
	return id, err == nil
}

// MatchFiles returns the regular files of dir that match the pattern, sorted
// by number. A missing dir has no files.
func (p NumberedFilePattern) MatchFiles(dir string) ([]NumberedFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var res []NumberedFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		id, ok := p.parse(e.Name())
		if !ok {
			continue
		}
		res = append(res, NumberedFile{Filename: e.Name(), ID: id})
	}
	slices.SortFunc(res, func(a, b NumberedFile) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return res, nil
}

// Last returns the file with the highest number in dir. The returned
// filename is empty if no file matches.
func (p NumberedFilePattern) Last(dir string) (NumberedFile, error) {
	files, err := p.MatchFiles(dir)
	if err != nil || len(files) == 0 {
		return NumberedFile{}, err
	}
	return files[len(files)-1], nil
}
