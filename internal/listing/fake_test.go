package listing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/graph"
	"github.com/spgate/spgate/internal/pathmap"
)

// fakeTree is an in-memory drive. Children are returned in reverse key
// order and paged, so callers cannot rely on upstream ordering.
type fakeTree struct {
	mu        sync.Mutex
	folders   map[string]map[string]graph.RemoteItem
	pageSize  int
	listCalls map[string]int
	failures  map[string]error

	// searchLimit fails searches with more hits, like the Graph client.
	searchLimit int
}

func newFakeTree(keys ...string) *fakeTree {
	t := &fakeTree{
		folders:   map[string]map[string]graph.RemoteItem{"": {}},
		pageSize:  2,
		listCalls: map[string]int{},
		failures:  map[string]error{},
	}
	for _, k := range keys {
		if strings.HasSuffix(k, "/") {
			t.addFolder(strings.TrimSuffix(k, "/"))
		} else {
			t.addFile(k)
		}
	}
	return t
}

func (t *fakeTree) addFolder(path string) {
	if path == "" {
		return
	}
	if _, ok := t.folders[path]; ok {
		return
	}
	parent := pathmap.Parent(path)
	t.addFolder(parent)
	t.folders[path] = map[string]graph.RemoteItem{}
	t.folders[parent][path] = graph.RemoteItem{
		ID:     "id:" + path,
		Name:   path[strings.LastIndex(path, "/")+1:],
		Path:   path,
		Folder: true,
	}
}

func (t *fakeTree) addFile(path string) {
	parent := pathmap.Parent(path)
	t.addFolder(parent)
	t.folders[parent][path] = graph.RemoteItem{
		ID:           "id:" + path,
		Name:         path[strings.LastIndex(path, "/")+1:],
		Path:         path,
		Size:         int64(len(path)),
		LastModified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ETag:         `"` + path + `"`,
		ContentType:  "application/octet-stream",
	}
}

func (t *fakeTree) remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.folders[pathmap.Parent(path)], path)
	delete(t.folders, path)
}

func (t *fakeTree) calls(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listCalls[path]
}

func (t *fakeTree) item(path string) graph.RemoteItem {
	it := t.folders[pathmap.Parent(path)][path]
	if it.Folder {
		it.ChildCount = len(t.folders[path])
	}
	return it
}

func (t *fakeTree) ListChildren(ctx context.Context, drive *bucket.Drive, path, pageCursor string) ([]graph.RemoteItem, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pageCursor == "" {
		t.listCalls[path]++
	}
	if err := t.failures[path]; err != nil {
		return nil, "", err
	}
	children, ok := t.folders[path]
	if !ok {
		return nil, "", &apierr.Error{Op: "ListChildren", Key: path, Status: 404, Err: apierr.ErrNotFound}
	}

	var paths []string
	for p := range children {
		paths = append(paths, p)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	offset := 0
	if pageCursor != "" {
		offset, _ = strconv.Atoi(pageCursor)
	}
	end := offset + t.pageSize
	next := strconv.Itoa(end)
	if end >= len(paths) {
		end = len(paths)
		next = ""
	}

	out := make([]graph.RemoteItem, 0, end-offset)
	for _, p := range paths[offset:end] {
		out = append(out, t.item(p))
	}
	return out, next, nil
}

func (t *fakeTree) GetItem(ctx context.Context, drive *bucket.Drive, path string) (*graph.RemoteItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.folders[pathmap.Parent(path)][path]; !ok {
		return nil, &apierr.Error{Op: "GetItem", Key: path, Status: 404, Err: apierr.ErrNotFound}
	}
	it := t.item(path)
	return &it, nil
}

func (t *fakeTree) OpenContent(ctx context.Context, drive *bucket.Drive, item *graph.RemoteItem) (*graph.Content, error) {
	return nil, fmt.Errorf("not implemented")
}

// Search matches names containing query under path. The first hit is
// returned twice, as Graph search occasionally does.
func (t *fakeTree) Search(ctx context.Context, drive *bucket.Drive, path, query string) ([]graph.RemoteItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.folders[path]; !ok {
		return nil, &apierr.Error{Op: "Search", Key: path, Status: 404, Err: apierr.ErrNotFound}
	}

	var hits []graph.RemoteItem
	for _, children := range t.folders {
		for p := range children {
			if path != "" && !strings.HasPrefix(p, path+"/") {
				continue
			}
			it := t.item(p)
			if strings.Contains(strings.ToLower(it.Name), strings.ToLower(query)) {
				hits = append(hits, it)
			}
		}
	}
	if t.searchLimit > 0 && len(hits) > t.searchLimit {
		return nil, &apierr.Error{
			Op:  "Search",
			Key: path,
			Err: fmt.Errorf("%w: %w", apierr.ErrValidation, graph.ErrSearchLimit),
		}
	}
	if len(hits) > 0 {
		hits = append(hits, hits[0])
	}
	return hits, nil
}
