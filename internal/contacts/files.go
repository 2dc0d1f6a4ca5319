package contacts

import (
	"strconv"
	"strings"
	"time"
)

var (
	listExtensions       = map[string]bool{"txt": true, "csv": true, "xlsx": true, "xls": true}
	attachmentExtensions = map[string]bool{"jpg": true, "jpeg": true, "png": true, "pdf": true, "doc": true, "docx": true}
)

// Allowed reports whether uploads with this file name are accepted at all.
func Allowed(name string) bool {
	ext := Ext(name)
	return listExtensions[ext] || attachmentExtensions[ext]
}

// IsList reports whether the file name looks like a contact list.
func IsList(name string) bool { return listExtensions[Ext(name)] }

// SanitizeFilename reduces an uploaded name to a safe base name made of ASCII
// letters, digits, '.', '-' and '_'. When nothing survives, a timestamped name
// keeping the extension is returned.
func SanitizeFilename(name string, now time.Time) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range strings.Join(strings.Fields(name), "_") {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" || (!strings.Contains(out, ".") && Ext(name) != "") {
		ext := Ext(name)
		if ext == "" {
			ext = "bin"
		}
		return "upload_" + strconv.FormatInt(now.Unix(), 10) + "." + ext
	}
	return out
}
