// Package listing implements ListObjectsV2 over a drive's folder tree.
//
// The traversal is an iterative depth-first walk over an explicit stack of
// folder frames. Children of each folder are sorted by key, with folders
// sorting as "name/", which makes the walk visit keys in lexicographic
// order. The stack plus the last emitted key form the continuation cursor.
//
// The walk compares drive paths; keys are derived with pathmap.EscapeKey only
// when entries are emitted. The escaping preserves order, so emitted keys are
// strictly increasing as well.
package listing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/config"
	"github.com/spgate/spgate/internal/graph"
	"github.com/spgate/spgate/internal/pathmap"
)

// Request is a ListObjectsV2 request.
type Request struct {
	Bucket            string
	Prefix            string
	Delimiter         string
	ContinuationToken string
	StartAfter        string
	SearchQuery       string

	// MaxKeys <= 0 selects the configured default.
	MaxKeys int
}

// Object is one listed object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Result is one page of a listing.
type Result struct {
	Bucket            string
	Prefix            string
	Delimiter         string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int

	Objects        []Object
	CommonPrefixes []string

	IsTruncated           bool
	NextContinuationToken string
}

// KeyCount is the number of entries on the page.
func (r *Result) KeyCount() int {
	return len(r.Objects) + len(r.CommonPrefixes)
}

// Engine lists objects of mapped buckets.
type Engine struct {
	buckets bucket.Manager
	tree    graph.TreeClient

	defaultMaxKeys int
	maxKeysCeiling int
}

// NewEngine creates a listing engine.
func NewEngine(buckets bucket.Manager, tree graph.TreeClient, cfg config.ListingConfig) *Engine {
	e := &Engine{
		buckets:        buckets,
		tree:           tree,
		defaultMaxKeys: cfg.DefaultMaxKeys,
		maxKeysCeiling: cfg.MaxKeysCeiling,
	}
	if e.maxKeysCeiling <= 0 {
		e.maxKeysCeiling = 1000
	}
	if e.defaultMaxKeys <= 0 || e.defaultMaxKeys > e.maxKeysCeiling {
		e.defaultMaxKeys = e.maxKeysCeiling
	}
	return e
}

// page collects entries for one response and enforces the max-keys bound.
type page struct {
	prefix    string
	delimiter string
	boundary  string
	maxKeys   int
	drive     *bucket.Drive

	objects  []Object
	prefixes []string
	last     string

	// full is set once a further object is found after maxKeys objects.
	full bool
}

// offer presents a visible file in path order. It returns false when the
// page is full and the file belongs to the next page.
func (p *page) offer(item *graph.RemoteItem) bool {
	path := item.Path
	if !strings.HasPrefix(path, p.prefix) || !p.drive.Visible(path) {
		return true
	}

	if cp, ok := pathmap.CommonPrefix(p.prefix, path, p.delimiter); ok {
		p.addPrefix(cp)
		return true
	}

	if path <= p.boundary {
		return true
	}
	if len(p.objects) >= p.maxKeys {
		p.full = true
		return false
	}
	p.objects = append(p.objects, Object{
		Key:          pathmap.EscapeKey(path),
		Size:         item.Size,
		LastModified: item.LastModified,
		ETag:         item.ETag,
	})
	p.last = path
	return true
}

// addPrefix emits a common prefix unless it was already emitted on this or
// an earlier page.
func (p *page) addPrefix(cp string) {
	if cp <= p.boundary || cp == p.last {
		return
	}
	p.prefixes = append(p.prefixes, pathmap.EscapeKey(cp))
	p.last = cp
}

// List returns one page of objects and common prefixes.
func (e *Engine) List(ctx context.Context, req Request) (*Result, error) {
	drive, err := e.buckets.Resolve(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}

	prefix, err := pathmap.NormalizePrefix(req.Prefix)
	if err != nil {
		return nil, err
	}
	startAfter, err := pathmap.NormalizePrefix(req.StartAfter)
	if err != nil {
		return nil, err
	}

	maxKeys := req.MaxKeys
	if maxKeys <= 0 {
		maxKeys = e.defaultMaxKeys
	}
	if maxKeys > e.maxKeysCeiling {
		maxKeys = e.maxKeysCeiling
	}

	mode := modeTree
	if req.SearchQuery != "" {
		mode = modeSearch
	}
	fp := fingerprint(req.Bucket, prefix, req.Delimiter, req.SearchQuery)

	var cur *cursor
	if req.ContinuationToken != "" {
		cur, err = decodeCursor(req.ContinuationToken, mode, fp, prefix)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		Bucket:            req.Bucket,
		Prefix:            pathmap.EscapeKey(prefix),
		Delimiter:         req.Delimiter,
		StartAfter:        pathmap.EscapeKey(startAfter),
		ContinuationToken: req.ContinuationToken,
		MaxKeys:           maxKeys,
	}

	log := logrus.WithFields(logrus.Fields{
		"component": "listing",
		"bucket":    req.Bucket,
		"prefix":    prefix,
		"delimiter": req.Delimiter,
		"mode":      mode,
		"resumed":   cur != nil,
	})

	var stack []frameState
	boundary := startAfter
	if cur != nil {
		stack = cur.Stack
		boundary = cur.Boundary
	} else {
		base, err := e.baseFolder(ctx, drive, prefix)
		if err != nil {
			return nil, err
		}
		stack = []frameState{{Path: base}}
	}

	// A prefix naming a folder lists that folder's contents.
	effective := prefix
	if prefix != "" && !strings.HasSuffix(prefix, pathmap.Separator) && stack[0].Path == prefix {
		effective = prefix + pathmap.Separator
	}

	p := &page{
		prefix:    effective,
		delimiter: req.Delimiter,
		boundary:  boundary,
		maxKeys:   maxKeys,
		drive:     drive,
	}

	var next []frameState
	if mode == modeSearch {
		err = e.search(ctx, drive, stack[0].Path, req.SearchQuery, p)
		if p.full {
			next = stack[:1]
		}
	} else {
		next, err = e.walk(ctx, drive, stack, p)
	}
	if err != nil {
		return nil, err
	}

	result.Objects = p.objects
	result.CommonPrefixes = p.prefixes

	if p.full {
		token, err := (&cursor{
			Version:     cursorVersion,
			Mode:        mode,
			Fingerprint: fp,
			Stack:       next,
			Boundary:    p.last,
		}).encode()
		if err != nil {
			return nil, err
		}
		result.IsTruncated = true
		result.NextContinuationToken = token
	}

	log.WithFields(logrus.Fields{
		"objects":   len(result.Objects),
		"prefixes":  len(result.CommonPrefixes),
		"truncated": result.IsTruncated,
	}).Debug("Listed objects")

	return result, nil
}

// baseFolder picks the folder the walk starts in. A prefix without a
// trailing separator that names an existing folder selects that folder;
// otherwise the folder part of the prefix is used and the remaining
// fragment filters its children.
func (e *Engine) baseFolder(ctx context.Context, drive *bucket.Drive, prefix string) (string, error) {
	folder, _ := pathmap.SplitAtDelimiter(prefix, pathmap.Separator)
	base := strings.TrimSuffix(folder, pathmap.Separator)

	if prefix == "" || strings.HasSuffix(prefix, pathmap.Separator) {
		return base, nil
	}

	item, err := e.tree.GetItem(ctx, drive, prefix)
	switch {
	case apierr.IsNotFound(err):
		return base, nil
	case err != nil:
		return "", err
	case item.Folder:
		return prefix, nil
	default:
		return base, nil
	}
}

// frame is a folder being walked in the current request.
type frame struct {
	frameState
	items  []graph.RemoteItem
	keys   []string
	pos    int
	loaded bool
}

// walk runs the depth-first traversal until the stack drains or the page
// is full. It returns the stack to resume from when the page is full.
func (e *Engine) walk(ctx context.Context, drive *bucket.Drive, initial []frameState, p *page) ([]frameState, error) {
	stack := make([]*frame, 0, len(initial))
	for _, fs := range initial {
		stack = append(stack, &frame{frameState: fs})
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		top := stack[len(stack)-1]
		if !top.loaded {
			if err := e.load(ctx, drive, top); err != nil {
				return nil, err
			}
		}

		pushed := false
		for top.pos < len(top.items) {
			item := &top.items[top.pos]
			sortKey := top.keys[top.pos]

			if item.Folder {
				top.pos++
				top.After = sortKey
				if e.enterFolder(item, sortKey, p) {
					stack = append(stack, &frame{frameState: frameState{Path: item.Path}})
					pushed = true
					break
				}
				continue
			}

			if !p.offer(item) {
				return snapshot(stack), nil
			}
			top.pos++
			top.After = sortKey
		}

		if !pushed {
			stack = stack[:len(stack)-1]
		}
	}
	return nil, nil
}

// enterFolder decides what a folder contributes: nothing, a common prefix,
// or a descent into its children.
func (e *Engine) enterFolder(item *graph.RemoteItem, sortKey string, p *page) bool {
	// Only folders that can hold keys under the prefix matter.
	if !strings.HasPrefix(sortKey, p.prefix) {
		return false
	}

	if cp, ok := pathmap.CommonPrefix(p.prefix, sortKey, p.delimiter); ok {
		p.addPrefix(cp)
		return false
	}

	// Everything inside sorts before the boundary.
	if p.boundary != "" && sortKey < p.boundary && !strings.HasPrefix(p.boundary, sortKey) {
		return false
	}
	return item.ChildCount != 0
}

// load drains all child pages of a folder, sorts them by key and positions
// the frame after its resume marker. A folder that vanished is empty.
func (e *Engine) load(ctx context.Context, drive *bucket.Drive, f *frame) error {
	var items []graph.RemoteItem
	pageCursor := ""
	for {
		children, next, err := e.tree.ListChildren(ctx, drive, f.Path, pageCursor)
		if apierr.IsNotFound(err) {
			items = nil
			break
		}
		if err != nil {
			return err
		}
		items = append(items, children...)
		if next == "" {
			break
		}
		pageCursor = next
	}

	keys := make([]string, len(items))
	for i := range items {
		keys[i] = sortKey(&items[i])
	}
	sort.Sort(byKey{items: items, keys: keys})

	f.items = items
	f.keys = keys
	f.pos = 0
	if f.After != "" {
		f.pos = sort.SearchStrings(keys, f.After)
		if f.pos < len(keys) && keys[f.pos] == f.After {
			f.pos++
		}
	}
	f.loaded = true
	return nil
}

// snapshot captures the resumable part of the stack.
func snapshot(stack []*frame) []frameState {
	out := make([]frameState, len(stack))
	for i, f := range stack {
		out[i] = f.frameState
	}
	return out
}

func sortKey(item *graph.RemoteItem) string {
	if item.Folder {
		return item.Path + pathmap.Separator
	}
	return item.Path
}

type byKey struct {
	items []graph.RemoteItem
	keys  []string
}

func (b byKey) Len() int           { return len(b.items) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.items[i], b.items[j] = b.items[j], b.items[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}
