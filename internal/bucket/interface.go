package bucket

import (
	"context"
)

// Drive is the SharePoint document library a bucket is mapped onto
type Drive struct {
	// Bucket is the S3 bucket name clients address
	Bucket string `json:"bucket"`

	// SiteID addresses the site's default document library
	SiteID string `json:"site_id,omitempty"`

	// DriveID addresses a specific drive; it wins over SiteID when set
	DriveID string `json:"drive_id,omitempty"`

	filter *Filter
}

// Manager resolves bucket names to drives
type Manager interface {
	// Resolve returns the drive a bucket maps to, or apierr.ErrBucketNotFound
	Resolve(ctx context.Context, name string) (*Drive, error)

	// ListBuckets returns all configured buckets sorted by name
	ListBuckets(ctx context.Context) []*Drive
}

// RootPath returns the Graph resource path of the drive
// ("/drives/{id}" or "/sites/{id}/drive").
func (d *Drive) RootPath() string {
	if d.DriveID != "" {
		return "/drives/" + d.DriveID
	}
	return "/sites/" + d.SiteID + "/drive"
}

// Visible reports whether an object key is exposed by the bucket's include
// patterns. Buckets without patterns expose every key.
func (d *Drive) Visible(key string) bool {
	if d.filter == nil {
		return true
	}
	return d.filter.Match(key)
}
