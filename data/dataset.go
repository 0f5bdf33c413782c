package data

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sys/unix"
)

// Dataset is a finite, randomly indexable collection of training windows.
type Dataset interface {
	Len() int
	Window(i int) (x, y []int)
}

// TokenDataset serves fixed-length windows over a flat uint16 little-endian
// token stream. Window i covers tokens [i*block, i*block+block]; y is x
// shifted by one position.
type TokenDataset struct {
	buf       []byte
	numTokens int
	blockSize int
	mapped    bool
}

// Open memory-maps the first *.bin file (in lexical order) found in dir.
func Open(dir string, blockSize int) (*TokenDataset, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("data directory %s does not exist", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .bin files found in %s", dir)
	}
	slices.Sort(files)
	return OpenFile(files[0], blockSize)
}

// OpenFile memory-maps a single token file read-only.
func OpenFile(path string, blockSize int) (*TokenDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size%2 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a whole number of uint16 tokens", path, size)
	}
	if size == 0 {
		return nil, fmt.Errorf("%s: empty token file", path)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	ds, err := newTokenDataset(buf, blockSize)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ds.mapped = true
	return ds, nil
}

// FromTokens builds an in-memory dataset, mostly useful for tests.
func FromTokens(tokens []uint16, blockSize int) (*TokenDataset, error) {
	return newTokenDataset(EncodeTokens(tokens), blockSize)
}

func newTokenDataset(buf []byte, blockSize int) (*TokenDataset, error) {
	if blockSize < 1 {
		return nil, fmt.Errorf("block size must be >= 1, got %d", blockSize)
	}
	ds := &TokenDataset{buf: buf, numTokens: len(buf) / 2, blockSize: blockSize}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("need at least %d tokens for one window, have %d", blockSize+1, ds.numTokens)
	}
	return ds, nil
}

// Len counts the windows that have a full block of targets after them. It is
// (tokens-1)/block rather than tokens/block so the last window's shifted
// target never runs past the end of the stream.
func (ds *TokenDataset) Len() int {
	if ds.numTokens == 0 {
		return 0
	}
	return (ds.numTokens - 1) / ds.blockSize
}

func (ds *TokenDataset) NumTokens() int { return ds.numTokens }
func (ds *TokenDataset) BlockSize() int { return ds.blockSize }

func (ds *TokenDataset) Token(i int) int {
	return int(binary.LittleEndian.Uint16(ds.buf[2*i:]))
}

func (ds *TokenDataset) Window(i int) (x, y []int) {
	if i < 0 || i >= ds.Len() {
		panic(fmt.Sprintf("window %d out of range [0, %d)", i, ds.Len()))
	}
	start := i * ds.blockSize
	x = make([]int, ds.blockSize)
	y = make([]int, ds.blockSize)
	for t := range ds.blockSize {
		x[t] = ds.Token(start + t)
		y[t] = ds.Token(start + t + 1)
	}
	return x, y
}

// Close unmaps the backing file. In-memory datasets need no cleanup.
func (ds *TokenDataset) Close() error {
	if !ds.mapped || ds.buf == nil {
		return nil
	}
	buf := ds.buf
	ds.buf = nil
	ds.numTokens = 0
	if err := unix.Munmap(buf); err != nil {
		return errors.Join(errors.New("munmap token file"), err)
	}
	return nil
}
