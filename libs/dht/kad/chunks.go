package kad

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
)

// MaxChunkLength caps a single requested range.
const MaxChunkLength = 4 << 20

// ChunkSource serves the file requests of remote peers.
type ChunkSource interface {
	Stat(bucket, path string) (exists bool, size uint64, err error)
	ReadChunks(bucket, path string, ranges []wire.ChunkRange) ([]wire.Chunk, error)
}

// DirChunkSource serves <root>/<bucket>/<path>.
type DirChunkSource struct {
	Root string
}

func (d DirChunkSource) resolve(bucket, path string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", errors.Wrapf(ErrInvalidArgument, "bad bucket %q", bucket)
	}
	base := filepath.Join(d.Root, bucket)
	full := filepath.Join(base, filepath.FromSlash(path))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrInvalidArgument, "path %q escapes bucket", path)
	}
	return full, nil
}

func (d DirChunkSource) Stat(bucket, path string) (bool, uint64, error) {
	full, err := d.resolve(bucket, path)
	if err != nil {
		return false, 0, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if fi.IsDir() {
		return false, 0, nil
	}
	return true, uint64(fi.Size()), nil
}

// ReadChunks reads each range. A range past the end of the file yields a
// short or empty chunk.
func (d DirChunkSource) ReadChunks(bucket, path string, ranges []wire.ChunkRange) ([]wire.Chunk, error) {
	full, err := d.resolve(bucket, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunks := make([]wire.Chunk, 0, len(ranges))
	for _, r := range ranges {
		if r.Length > MaxChunkLength {
			return nil, errors.Wrapf(ErrInvalidArgument, "chunk length %d", r.Length)
		}
		buf := make([]byte, r.Length)
		n, err := f.ReadAt(buf, int64(r.Offset))
		if err != nil && err != io.EOF {
			return nil, err
		}
		chunks = append(chunks, wire.Chunk{Offset: r.Offset, Data: buf[:n]})
	}
	return chunks, nil
}
