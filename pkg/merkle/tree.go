// Package merkle builds the feed commitment carried in a period and its RPT.
// Leaves are feed digests in arrival order; an odd node is paired with
// itself.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrEmpty = errors.New("merkle: no leaves")

const (
	leafDomain = "remit:feed:leaf:v1"
	nodeDomain = "remit:feed:node:v1"
)

// Tree keeps every level so inclusion proofs can be produced.
type Tree struct {
	Levels [][]string
	Root   string
}

// Build constructs the tree over digests (hex sha256 of each feed body).
func Build(digests []string) (*Tree, error) {
	if len(digests) == 0 {
		return nil, ErrEmpty
	}
	level := make([]string, len(digests))
	for i, d := range digests {
		raw, err := hex.DecodeString(d)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("merkle: leaf %d is not a hex sha256 digest", i)
		}
		level[i] = leafHash(raw)
	}

	t := &Tree{}
	for len(level) > 1 {
		t.Levels = append(t.Levels, level)
		level = nextLevel(level)
	}
	t.Levels = append(t.Levels, level)
	t.Root = level[0]
	return t, nil
}

// Root is shorthand for Build(digests).Root. It returns the empty string
// for no leaves.
func Root(digests []string) (string, error) {
	if len(digests) == 0 {
		return "", nil
	}
	t, err := Build(digests)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

// Step is one sibling on the path to the root.
type Step struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"`
}

// Proof returns the inclusion proof of leaf i.
func (t *Tree) Proof(i int) ([]Step, error) {
	if i < 0 || i >= len(t.Levels[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range", i)
	}
	var path []Step
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sib := i ^ 1
		if sib >= len(level) {
			sib = i
		}
		path = append(path, Step{Hash: level[sib], Right: sib >= i})
		i /= 2
	}
	return path, nil
}

// Verify checks that digest is included under root via path.
func Verify(root, digest string, path []Step) bool {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	h := leafHash(raw)
	for _, s := range path {
		if s.Right {
			h = nodeHash(h, s.Hash)
		} else {
			h = nodeHash(s.Hash, h)
		}
	}
	return h == root
}

func nextLevel(hashes []string) []string {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		right := hashes[i]
		if i+1 < len(hashes) {
			right = hashes[i+1]
		}
		next = append(next, nodeHash(hashes[i], right))
	}
	return next
}

func leafHash(digest []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.Write(digest)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(mustHex(left))
	buf.Write(mustHex(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
