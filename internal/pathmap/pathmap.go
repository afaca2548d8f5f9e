// Package pathmap translates between the flat S3 key space and drive paths.
//
// A canonical key has no leading separator, no empty segments and no "." or
// ".." segments, e.g. "reports/2024/q1.pdf". S3 "/" segments map one-to-one
// onto drive folders. Incoming keys are percent-decoded, so a literal '%' in
// a drive name appears as "%25" in its key: the file "100%41.pdf" is listed
// and fetched as "100%2541.pdf".
package pathmap

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/spgate/spgate/internal/apierr"
)

// Separator is the S3 hierarchy separator and the drive folder separator.
const Separator = "/"

// KeyToPath validates an incoming object key and returns its drive path
// relative to the drive root. The empty key maps to the root ("").
func KeyToPath(bucket, key string) (string, error) {
	p, err := normalize(key)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(p, Separator), nil
}

// PathToKey converts a drive path back into an S3 key, the inverse of
// KeyToPath. It also accepts Graph parent references such as
// "/drive/root:/reports" or "/drives/{id}/root:/reports".
func PathToKey(bucket, path string) (string, error) {
	if isReference(path) {
		p, err := ReferenceToPath(path)
		if err != nil {
			return "", err
		}
		return EscapeKey(p), nil
	}

	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	return EscapeKey(p), nil
}

// EscapeKey renders a drive path as a key. '%' is the only character that
// decoding treats specially, so escaping it alone keeps the mapping
// bijective and preserves the byte order of paths.
func EscapeKey(path string) string {
	return strings.ReplaceAll(path, "%", "%25")
}

// CleanPath validates a drive path without percent-decoding it and returns
// it in canonical form.
func CleanPath(path string) (string, error) {
	p, err := clean(path, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(p, Separator), nil
}

// ReferenceToPath converts a Graph parent reference, whose path part is
// percent-encoded, into a drive path.
func ReferenceToPath(ref string) (string, error) {
	if !isReference(ref) {
		return "", apierr.Validation("%q is not a drive path reference", ref)
	}
	rest := ref[strings.Index(ref, "root:")+len("root:"):]
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", apierr.Validation("malformed drive path reference %q", ref)
	}
	return CleanPath(decoded)
}

func isReference(path string) bool {
	return strings.HasPrefix(path, "/drive") && strings.Contains(path, "root:")
}

// NormalizePrefix validates a listing prefix. Unlike keys, a trailing
// separator is meaningful for prefixes and is preserved.
func NormalizePrefix(prefix string) (string, error) {
	return normalize(prefix)
}

// Join appends a child name to a drive folder path.
func Join(folder, name string) string {
	if folder == "" {
		return name
	}
	return folder + Separator + name
}

// Parent returns the folder containing path, "" for top-level items.
func Parent(path string) string {
	if i := strings.LastIndex(path, Separator); i >= 0 {
		return path[:i]
	}
	return ""
}

// SplitAtDelimiter splits a prefix into the part up to and including the
// last delimiter and the trailing fragment after it.
//
//	SplitAtDelimiter("reports/20", "/") == ("reports/", "20")
//	SplitAtDelimiter("reports/", "/")   == ("reports/", "")
//	SplitAtDelimiter("rep", "/")        == ("", "rep")
func SplitAtDelimiter(prefix, delimiter string) (folderPrefix, childSegment string) {
	if delimiter == "" {
		return "", prefix
	}
	i := strings.LastIndex(prefix, delimiter)
	if i < 0 {
		return "", prefix
	}
	return prefix[:i+len(delimiter)], prefix[i+len(delimiter):]
}

// CommonPrefix applies S3 delimiter roll-up: when the part of key after
// prefix contains delimiter, the key collapses into the common prefix
// ending at the first such delimiter.
func CommonPrefix(prefix, key, delimiter string) (string, bool) {
	if delimiter == "" || !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return "", false
	}
	return prefix + rest[:i+len(delimiter)], true
}

func normalize(raw string) (string, error) {
	s := raw
	if strings.Contains(s, "%") {
		// Lenient: keys with a bare '%' are taken literally.
		if decoded, err := url.PathUnescape(s); err == nil {
			s = decoded
		}
	}
	return clean(s, raw)
}

// clean validates s and collapses empty segments; raw is the input as the
// client sent it, for error messages.
func clean(s, raw string) (string, error) {
	for _, r := range s {
		if r == 0 || unicode.IsControl(r) {
			return "", apierr.Validation("key contains a control character")
		}
	}

	trailing := strings.HasSuffix(s, Separator)
	parts := strings.Split(s, Separator)
	segments := parts[:0]
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", apierr.Validation("key %q contains a relative path segment", raw)
		}
		segments = append(segments, part)
	}

	if len(segments) == 0 {
		return "", nil
	}

	out := strings.Join(segments, Separator)
	if trailing {
		out += Separator
	}
	return out, nil
}
