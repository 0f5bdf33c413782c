package data

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// EncodeTokens lays tokens out as uint16 little-endian, the on-disk format.
func EncodeTokens(tokens []uint16) []byte {
	buf := make([]byte, 2*len(tokens))
	for i, tok := range tokens {
		binary.LittleEndian.PutUint16(buf[2*i:], tok)
	}
	return buf
}

func WriteTokens(path string, tokens []uint16) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, EncodeTokens(tokens), 0o644)
}

// GenerateRandom writes numTokens uniform random tokens in [0, vocabSize) to
// dir/data.bin for smoke testing and returns the file path.
func GenerateRandom(dir string, numTokens, vocabSize int, seed uint64) (string, error) {
	if vocabSize < 1 || vocabSize > 1<<16 {
		return "", fmt.Errorf("vocab size %d does not fit uint16 tokens", vocabSize)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	tokens := make([]uint16, numTokens)
	for i := range tokens {
		tokens[i] = uint16(rng.IntN(vocabSize))
	}
	path := filepath.Join(dir, "data.bin")
	if err := WriteTokens(path, tokens); err != nil {
		return "", err
	}
	return path, nil
}
