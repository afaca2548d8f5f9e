package object

import (
	"io"
	"time"
)

// Meta describes an object without its content.
type Meta struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Object is an open object. The caller must close Body; closing it releases
// the upstream connection.
type Object struct {
	Meta
	Body io.ReadCloser
}
