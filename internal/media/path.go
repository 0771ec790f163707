package media

import (
	"fmt"
	"path/filepath"
)

// Class is the media class a file belongs to; it names the class directory
// in the on-disk layout.
type Class string

const (
	FullMedia Class = "image"
	Thumbnail Class = "thumb"
)

// Path computes the content-addressable location for a stored filename F:
// <root>/<board>/<class>/F[0:4]/F[4:6]/F. The filename stem is the remote's
// tim, a timestamp-like integer, so the two prefix levels spread files
// evenly.
func Path(root, board string, class Class, filename string) (string, error) {
	if len(filename) < 6 {
		return "", fmt.Errorf("media filename %q too short for fan-out layout", filename)
	}
	return filepath.Join(root, board, string(class), filename[0:4], filename[4:6], filename), nil
}
