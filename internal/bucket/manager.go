package bucket

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/config"
)

type staticManager struct {
	drives map[string]*Drive
}

// NewManager builds the bucket registry from configuration. The mapping is
// read-only after construction.
func NewManager(buckets map[string]config.BucketConfig) (Manager, error) {
	m := &staticManager{drives: make(map[string]*Drive, len(buckets))}

	for name, b := range buckets {
		filter, err := NewFilter(name, b.Include)
		if err != nil {
			return nil, err
		}
		m.drives[name] = &Drive{
			Bucket:  name,
			SiteID:  b.SiteID,
			DriveID: b.DriveID,
			filter:  filter,
		}

		logrus.WithFields(logrus.Fields{
			"bucket":   name,
			"site_id":  b.SiteID,
			"drive_id": b.DriveID,
			"patterns": len(b.Include),
		}).Debug("Registered bucket")
	}

	return m, nil
}

func (m *staticManager) Resolve(ctx context.Context, name string) (*Drive, error) {
	d, ok := m.drives[name]
	if !ok {
		return nil, &apierr.Error{Op: "ResolveBucket", Bucket: name, Err: apierr.ErrBucketNotFound}
	}
	return d, nil
}

func (m *staticManager) ListBuckets(ctx context.Context) []*Drive {
	out := make([]*Drive, 0, len(m.drives))
	for _, d := range m.drives {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
