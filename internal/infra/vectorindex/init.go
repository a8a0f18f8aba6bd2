package vectorindex

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3
	// driver so vec_distance_cosine is available on every connection.
	vec.Auto()
}
