package jsonfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/companyzero/olmengine/internal/assert"
	"github.com/companyzero/olmengine/internal/testutils"
)

type record struct {
	ID   string `json:"id"`
	Seq  int    `json:"seq"`
	Tags []string
}

func TestWriteRead(t *testing.T) {
	dir := testutils.TempTestDir(t, "jsonfile-")
	fname := filepath.Join(dir, "sub", "record.json")
	log := testutils.TestLoggerSys(t, "JSON")

	var got record
	assert.ErrorIs(t, Read(fname, &got), ErrNotFound)
	assert.BoolIs(t, Exists(fname), false)

	want := record{ID: "first", Seq: 1, Tags: []string{"a"}}
	assert.NilErr(t, Write(fname, want, log))
	assert.NilErr(t, Read(fname, &got))
	assert.DeepEqual(t, got, want)

	// Overwriting replaces the contents and leaves no temp files behind.
	want = record{ID: "second", Seq: 2}
	assert.NilErr(t, Write(fname, want, log))
	got = record{}
	assert.NilErr(t, Read(fname, &got))
	assert.DeepEqual(t, got, want)

	entries, err := os.ReadDir(filepath.Dir(fname))
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(entries), 1)
	info, err := entries[0].Info()
	assert.NilErr(t, err)
	assert.DeepEqual(t, info.Mode().Perm(), os.FileMode(fileMode))

	// Unencodable data does not clobber the existing file.
	assert.NonNilErr(t, Write(fname, make(chan int), log))
	assert.NilErr(t, Read(fname, &got))
	assert.DeepEqual(t, got, want)

	assert.NilErr(t, RemoveIfExists(fname))
	assert.NilErr(t, RemoveIfExists(fname))
	assert.FileNotExists(t, fname)
}

func TestAppendReadLines(t *testing.T) {
	dir := testutils.TempTestDir(t, "jsonfile-")
	fname := filepath.Join(dir, "lines.json")

	_, err := ReadLines(fname, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 5; i++ {
		assert.NilErr(t, Append(fname, record{Seq: i}))
	}

	// Simulate an interrupted append.
	f, err := os.OpenFile(fname, os.O_APPEND|os.O_WRONLY, 0)
	assert.NilErr(t, err)
	_, err = f.WriteString(`{"id":"trunc`)
	assert.NilErr(t, err)
	assert.NilErr(t, f.Close())

	var seqs []int
	n, err := ReadLines(fname, func(line []byte) error {
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		seqs = append(seqs, r.Seq)
		return nil
	})
	assert.NilErr(t, err)
	assert.DeepEqual(t, n, 5)
	assert.DeepEqual(t, seqs, []int{0, 1, 2, 3, 4})
}

func TestNumberedFiles(t *testing.T) {
	dir := testutils.TempTestDir(t, "nbf-")
	nfp := MakeHexFilePattern("hashes-", ".json")
	assert.DeepEqual(t, nfp.FilenameFor(0xabc), "hashes-00000abc.json")

	touch := func(name string) {
		t.Helper()
		assert.NilErr(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	files, err := nfp.MatchFiles(dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(files), 0)
	last, err := nfp.Last(dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, last, NumberedFile{})

	touch(nfp.FilenameFor(100))
	touch(nfp.FilenameFor(2))
	touch(nfp.FilenameFor(31))
	touch("hashes-zz.json")
	touch("other-00000001.json")
	touch("hashes-00000005.json.new")
	assert.NilErr(t, os.Mkdir(filepath.Join(dir, nfp.FilenameFor(500)), 0o700))

	files, err = nfp.MatchFiles(dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, files, []NumberedFile{
		{Filename: "hashes-00000002.json", ID: 2},
		{Filename: "hashes-0000001f.json", ID: 31},
		{Filename: "hashes-00000064.json", ID: 100},
	})
	last, err = nfp.Last(dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, last.ID, uint64(100))

	files, err = nfp.MatchFiles(filepath.Join(dir, "missing"))
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(files), 0)
}
