package graph

import (
	"io"
	"time"
)

// RemoteItem is a file or folder of a drive. Items are never cached across
// requests.
type RemoteItem struct {
	ID   string
	Name string

	// Path is the drive-relative path, e.g. "reports/2024/q1.pdf".
	Path string

	Folder     bool
	ChildCount int

	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
}

// Content is an open download stream. The caller must close Body.
type Content struct {
	Body         io.ReadCloser
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// driveItem is the Graph driveItem resource, reduced to what the gateway
// reads.
type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag"`
	CTag                 string    `json:"cTag"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`

	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`

	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`

	ParentReference *struct {
		DriveID string `json:"driveId"`
		Path    string `json:"path"`
	} `json:"parentReference,omitempty"`
}

// itemCollection is one page of a Graph collection response.
type itemCollection struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// errorResponse is the Graph error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *driveItem) toRemote(path string) RemoteItem {
	item := RemoteItem{
		ID:           d.ID,
		Name:         d.Name,
		Path:         path,
		Size:         d.Size,
		LastModified: d.LastModifiedDateTime,
		ETag:         d.ETag,
	}
	if d.Folder != nil {
		item.Folder = true
		item.ChildCount = d.Folder.ChildCount
	}
	if d.File != nil {
		item.ContentType = d.File.MimeType
	}
	if item.ContentType == "" && !item.Folder {
		item.ContentType = "application/octet-stream"
	}
	return item
}
