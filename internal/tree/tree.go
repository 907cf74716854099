package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidNode = errors.New("node must be exactly one of file or directory")
	ErrInvalidName = errors.New("invalid entry name")
)

// FileLeaf holds the contents of a single file.
type FileLeaf struct {
	Contents string `json:"contents"`
}

// Node is one entry in a file tree: either a file or a directory, never both.
type Node struct {
	File      *FileLeaf
	Directory Tree
}

// Tree maps entry names to nodes. Names are unique per level by construction.
type Tree map[string]*Node

// NewFile returns a file node with the given contents.
func NewFile(contents string) *Node {
	return &Node{File: &FileLeaf{Contents: contents}}
}

// NewDir returns a directory node over the given children.
func NewDir(children Tree) *Node {
	if children == nil {
		children = Tree{}
	}
	return &Node{Directory: children}
}

func (n *Node) MarshalJSON() ([]byte, error) {
	switch {
	case n.File != nil && n.Directory == nil:
		return json.Marshal(struct {
			File *FileLeaf `json:"file"`
		}{n.File})
	case n.File == nil && n.Directory != nil:
		return json.Marshal(struct {
			Directory Tree `json:"directory"`
		}{n.Directory})
	default:
		return nil, ErrInvalidNode
	}
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		File      *FileLeaf `json:"file"`
		Directory Tree      `json:"directory"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.File = raw.File
	n.Directory = raw.Directory
	return nil
}

// Validate checks the whole tree: every node is exactly one of file or
// directory and every entry name is usable as a path component.
func (t Tree) Validate() error {
	return t.validate("")
}

func (t Tree) validate(prefix string) error {
	for name, node := range t {
		path := prefix + "/" + name
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("%w: %q", ErrInvalidName, path)
		}
		if node == nil {
			return fmt.Errorf("%w: %q", ErrInvalidNode, path)
		}
		if (node.File == nil) == (node.Directory == nil) {
			return fmt.Errorf("%w: %q", ErrInvalidNode, path)
		}
		if node.Directory != nil {
			if err := node.Directory.validate(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for name, node := range t {
		cp := &Node{}
		if node.File != nil {
			leaf := *node.File
			cp.File = &leaf
		}
		if node.Directory != nil {
			cp.Directory = node.Directory.Clone()
		}
		out[name] = cp
	}
	return out
}

// Parse decodes and validates a tree from its JSON form.
func Parse(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t == nil {
		t = Tree{}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
