package listing

import (
	"context"
	"sort"

	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/graph"
)

// search lists the files a drive search returns under base. Search results
// arrive unordered, so the whole result set is sorted and deduplicated and
// the page is cut from it; the cursor only needs the boundary.
func (e *Engine) search(ctx context.Context, drive *bucket.Drive, base, query string, p *page) error {
	hits, err := e.tree.Search(ctx, drive, base, query)
	if apierr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	files := make([]graph.RemoteItem, 0, len(hits))
	for _, item := range hits {
		if !item.Folder {
			files = append(files, item)
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for i := range files {
		if i > 0 && files[i].Path == files[i-1].Path {
			continue
		}
		if !p.offer(&files[i]) {
			return nil
		}
	}
	return nil
}
