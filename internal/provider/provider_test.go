package provider

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "part.sldprt", want: "part.sldprt"},
		{in: "/assemblies/top.sldasm", want: "assemblies/top.sldasm"},
		{in: `drawings\rev2\sheet.dwg`, want: "drawings/rev2/sheet.dwg"},
		{in: "a/./b//c.step", want: "a/b/c.step"},
		{in: "a/../b.step", want: "b.step"},
		{in: "", wantErr: true},
		{in: "/", wantErr: true},
		{in: "../outside.step", wantErr: true},
		{in: "a/../../outside.step", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation(" Cloud ")
	require.NoError(t, err)
	assert.Equal(t, LocationCloud, loc)

	_, err = ParseLocation("gdrive")
	assert.Error(t, err)

	assert.Less(t, LocationLocal.Rank(), LocationCloud.Rank())
	assert.Less(t, LocationCloud.Rank(), LocationShare.Rank())
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(LocationCloud, "list", "", Unavailable(cause))

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cloud list: location unavailable: connection reset", err.Error())

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, LocationCloud, pe.Location)

	// wrapping twice at the same location keeps a single layer
	assert.Same(t, err, Wrap(LocationCloud, "list", "", err))
	assert.Nil(t, Wrap(LocationLocal, "fetch", "a", nil))

	assert.ErrorIs(t, HashMismatch("aa", "bb"), ErrHashMismatch)
}

func TestIgnoreList(t *testing.T) {
	list := NewIgnoreList("renders/", "# comment", "*.log")

	ignored := []string{
		"~$part.sldprt",
		"assemblies/.~lock.top.sldasm#",
		"backup.bak",
		"renders/front.png",
		"build.log",
		".DS_Store",
		".cadsync-upload-123",
		"sub/.cadsync-upload-123",
	}
	for _, p := range ignored {
		assert.True(t, list.ShouldIgnore(p), p)
	}

	kept := []string{
		"part.sldprt",
		"assemblies/top.sldasm",
		"part.conflict-cloud.sldprt",
	}
	for _, p := range kept {
		assert.False(t, list.ShouldIgnore(p), p)
	}
}

func TestLoadIgnoreList(t *testing.T) {
	dir := t.TempDir()

	list, err := LoadIgnoreList(filepath.Join(dir, IgnoreFileName))
	require.NoError(t, err)
	assert.False(t, list.ShouldIgnore("scratch/a.step"))

	path := filepath.Join(dir, IgnoreFileName)
	require.NoError(t, os.WriteFile(path, []byte("scratch/\n\n"), 0o644))
	list, err = LoadIgnoreList(path)
	require.NoError(t, err)
	assert.True(t, list.ShouldIgnore("scratch/a.step"))
}
