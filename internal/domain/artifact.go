package domain

import (
	"fmt"
	"strings"
)

// artifactSeparator joins the human-chosen name and the task ID inside an
// artifact file name. The task ID is what keeps two concurrent builds with
// the same human-chosen name from colliding on disk, and is what lets the
// retention sweeper map a file back to its owning task.
const artifactSeparator = "--"

// ArtifactFileName builds the canonical artifact file name for a task:
// <name>--<taskID>.<ext>. The name portion is sanitized so the result is
// always a single safe path element.
func ArtifactFileName(name, taskID, ext string) string {
	return fmt.Sprintf("%s%s%s.%s", sanitizeArtifactName(name), artifactSeparator, taskID, ext)
}

// ParseArtifactFileName extracts the task ID embedded in an artifact file
// name. Returns ok=false for names that do not follow the
// <name>--<taskID>.<ext> convention (e.g. orphans from other processes).
func ParseArtifactFileName(fileName string) (taskID string, ok bool) {
	base := fileName
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	i := strings.LastIndex(base, artifactSeparator)
	if i < 0 {
		return "", false
	}
	id := base[i+len(artifactSeparator):]
	if id == "" || !isValidTaskID(id) {
		return "", false
	}
	return id, true
}

// sanitizeArtifactName replaces characters that are unsafe in file names,
// and strips the separator sequence so the task ID stays recoverable.
func sanitizeArtifactName(name string) string {
	name = strings.ReplaceAll(name, artifactSeparator, "-")
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == '_' || c == '.' || c == ' ':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		out = "artifact"
	}
	return out
}
