// Package contacts reads recipient lists from uploaded files and normalizes
// phone numbers.
//
// Supported list formats are plain text (one number per line) and CSV. For CSV
// the first header naming a phone-like column is used, else the first column.
// Files that are not valid UTF-8 are decoded as Windows-1252.
package contacts

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported contact list format")
	ErrEmptyFile         = errors.New("contact list is empty")
)

// MaxListBytes caps a contact list read into memory.
const MaxListBytes = 32 << 20

var phoneHeaderKeywords = []string{"phone", "mobile", "number", "contact", "whatsapp", "mob"}

// Normalize keeps digits and '+', strips leading zeros and prefixes '+' to bare
// numbers of 10 or more digits. It returns "" when nothing usable is left.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	phone := strings.TrimLeft(b.String(), "0")
	if phone != "" && !strings.HasPrefix(phone, "+") && len(phone) >= 10 {
		phone = "+" + phone
	}
	if strings.Trim(phone, "+") == "" {
		return ""
	}
	return phone
}

// ReadFile parses the list at path; the format comes from the extension.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, Ext(path))
}

// Parse reads a contact list in the given format ("txt" or "csv") and returns
// normalized numbers in file order, duplicates included.
func Parse(r io.Reader, format string) ([]string, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	switch format {
	case "txt", "csv":
	case "xlsx", "xls":
		return nil, fmt.Errorf("%w: %s (export the sheet as CSV)", ErrUnsupportedFormat, format)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	raw, err := io.ReadAll(io.LimitReader(r, MaxListBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxListBytes {
		return nil, fmt.Errorf("contact list larger than %d bytes", MaxListBytes)
	}
	text, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyFile
	}
	if format == "txt" {
		return parseLines(text), nil
	}
	return parseCSV(text)
}

func decode(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode contact list: %w", err)
	}
	return string(out), nil
}

func parseLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if p := Normalize(strings.TrimSpace(line)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseCSV(text string) ([]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := PhoneColumn(header)

	var out []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if col >= len(rec) {
			continue
		}
		if p := Normalize(rec[col]); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// PhoneColumn returns the index of the first header containing a phone-like
// keyword, or 0.
func PhoneColumn(header []string) int {
	for i, h := range header {
		h = strings.ToLower(h)
		for _, kw := range phoneHeaderKeywords {
			if strings.Contains(h, kw) {
				return i
			}
		}
	}
	return 0
}

// Ext returns the lower-cased extension without the dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
