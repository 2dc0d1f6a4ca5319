package contacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"+1 (555) 010-2000", "+15550102000"},
		{"0015550102000", "+15550102000"},
		{"15550102000", "+15550102000"},
		{"0123 456", "123456"},
		{"  ", ""},
		{"n/a", ""},
		{"+", ""},
		{"000", ""},
		{"+44 7700 900123", "+447700900123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestParse_Text(t *testing.T) {
	t.Parallel()
	got, err := Parse(strings.NewReader("+1 555 010 2000\r\n\n555010200\nabc\n+15550102000\n"), "txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550102000", "555010200", "+15550102000"}, got)
}

func TestParse_CSVPicksPhoneColumn(t *testing.T) {
	t.Parallel()
	in := "name,Mobile Number,city\nAda,+1 555 010 2000,London\nBob,,Paris\nCy,5550102001\n"
	got, err := Parse(strings.NewReader(in), ".CSV")
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550102000", "+5550102001"}, got)
}

func TestParse_CSVFallsBackToFirstColumn(t *testing.T) {
	t.Parallel()
	in := "\xef\xbb\xbfid,name\n15550102000,Ada\n15550102001,Bob\n"
	got, err := Parse(strings.NewReader(in), "csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550102000", "+15550102001"}, got)
}

func TestParse_CSVLatin1(t *testing.T) {
	t.Parallel()
	// "Téléphone" in Windows-1252
	in := "T\xe9l\xe9phone\n15550102000\n"
	got, err := Parse(strings.NewReader(in), "csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550102000"}, got)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	_, err := Parse(strings.NewReader("x"), "xlsx")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Parse(strings.NewReader("x"), "pdf")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Parse(strings.NewReader(" \n "), "txt")
	require.ErrorIs(t, err, ErrEmptyFile)
}

func TestPhoneColumn(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2, PhoneColumn([]string{"first", "last", "WhatsApp"}))
	assert.Equal(t, 1, PhoneColumn([]string{"name", "phone", "mobile"}))
	assert.Equal(t, 0, PhoneColumn([]string{"a", "b"}))
	assert.Equal(t, 0, PhoneColumn(nil))
}

func TestReadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("15550102000\n"), 0o644))
	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550102000"}, got)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestAllowedAndIsList(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"a.txt", "b.CSV", "c.xlsx", "d.jpeg", "e.pdf", "f.docx"} {
		assert.True(t, Allowed(ok), ok)
	}
	for _, bad := range []string{"a.exe", "noext", "x.csv.sh"} {
		assert.False(t, Allowed(bad), bad)
	}
	assert.True(t, IsList("x.csv"))
	assert.False(t, IsList("x.png"))
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	assert.Equal(t, "my_contacts.csv", SanitizeFilename("my contacts.csv", now))
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd", now))
	assert.Equal(t, "flyer.png", SanitizeFilename(`C:\Users\me\flyer.png`, now))
	assert.Equal(t, "upload_1700000000.csv", SanitizeFilename("контакты.csv", now))
	assert.Equal(t, "upload_1700000000.bin", SanitizeFilename("..", now))
}
