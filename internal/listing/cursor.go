package listing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/pathmap"
)

const (
	cursorVersion = 1

	modeTree   = "tree"
	modeSearch = "search"

	// maxTokenLength bounds the continuation tokens accepted from clients.
	maxTokenLength = 16 << 10
	maxDepth       = 512
)

// cursor is the resumable traversal state carried in continuation tokens.
// Clients treat it as opaque; it is validated on every replay.
type cursor struct {
	Version     int          `json:"v"`
	Mode        string       `json:"m"`
	Fingerprint string       `json:"f"`
	Stack       []frameState `json:"s"`

	// Boundary is the drive path of the last object or common prefix
	// emitted.
	Boundary string `json:"b"`
}

// frameState is one pending folder: its drive path and the sort key of the
// last child already consumed.
type frameState struct {
	Path  string `json:"p"`
	After string `json:"a,omitempty"`
}

// fingerprint binds a cursor to the request parameters it was issued for.
func fingerprint(bucket, prefix, delimiter, query string) string {
	h := sha256.New()
	for _, part := range []string{bucket, prefix, delimiter, query} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func (c *cursor) encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor parses and validates a continuation token against the
// request it is replayed with. Every failure is a validation error.
func decodeCursor(token, mode, fp, prefix string) (*cursor, error) {
	if len(token) > maxTokenLength {
		return nil, apierr.Validation("continuation token too long")
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, apierr.Validation("malformed continuation token")
	}

	var c cursor
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, apierr.Validation("malformed continuation token")
	}

	switch {
	case c.Version != cursorVersion:
		return nil, apierr.Validation("unsupported continuation token version")
	case c.Mode != mode:
		return nil, apierr.Validation("continuation token does not match listing mode")
	case c.Fingerprint != fp:
		return nil, apierr.Validation("continuation token does not match request")
	case c.Boundary == "" || !strings.HasPrefix(c.Boundary, prefix):
		return nil, apierr.Validation("continuation token outside prefix")
	case len(c.Stack) == 0 || len(c.Stack) > maxDepth:
		return nil, apierr.Validation("invalid continuation token state")
	}

	if err := validateStack(c.Stack, prefix); err != nil {
		return nil, err
	}
	return &c, nil
}

// validateStack checks that frames form a chain of nested folders rooted at
// a legal base folder for prefix, and that every "after" marker of a parent
// points at the child frame below it.
func validateStack(stack []frameState, prefix string) error {
	for i, f := range stack {
		canonical, err := pathmap.CleanPath(f.Path)
		if err != nil || canonical != f.Path {
			return apierr.Validation("invalid continuation token path")
		}
		if f.After != "" && !strings.HasPrefix(f.After, folderKey(f.Path)) {
			return apierr.Validation("invalid continuation token marker")
		}

		if i == 0 {
			if !legalBase(f.Path, prefix) {
				return apierr.Validation("continuation token outside prefix")
			}
			continue
		}

		parent := stack[i-1]
		if pathmap.Parent(f.Path) != parent.Path || parent.After != f.Path+pathmap.Separator {
			return apierr.Validation("invalid continuation token state")
		}
	}
	return nil
}

// legalBase reports whether path may serve as the base folder for prefix:
// either the folder part of the prefix or, for prefixes without a trailing
// separator, the folder the prefix names.
func legalBase(path, prefix string) bool {
	folder, _ := pathmap.SplitAtDelimiter(prefix, pathmap.Separator)
	if path == strings.TrimSuffix(folder, pathmap.Separator) {
		return true
	}
	return prefix != "" && !strings.HasSuffix(prefix, pathmap.Separator) && path == prefix
}

// folderKey is the key prefix shared by everything inside a folder.
func folderKey(path string) string {
	if path == "" {
		return ""
	}
	return path + pathmap.Separator
}
