// Package filetree converts flat path→content maps into the nested directory
// tree a browser-embedded sandbox mounts, and back.
package filetree

import (
	"path"
	"sort"
	"strings"
)

// DefaultPrefixes are the sandbox home directories stripped from absolute paths.
var DefaultPrefixes = []string{"/home/user", "/home/project", "/app"}

// Tree is a directory listing keyed by entry name.
type Tree map[string]*Node

// Node is either a file or a directory.
type Node struct {
	File      *File `json:"file,omitempty"`
	Directory Tree  `json:"directory,omitempty"`
}

// File holds a file's contents.
type File struct {
	Contents string `json:"contents"`
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.File == nil
}

// Project builds a tree from files. Absolute paths lose any of the default or
// given sandbox prefixes and their leading slash; repeated separators and "."
// segments collapse. Entries that normalize to nothing, or that contain "..",
// are skipped and counted. When a path needs an earlier file as a directory,
// the later entry wins. Keys are processed in sorted order, so the result
// depends only on the input.
func Project(files map[string]string, prefixes ...string) (Tree, int) {
	strip := append(append([]string{}, DefaultPrefixes...), prefixes...)

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tree := Tree{}
	skipped := 0
	for _, k := range keys {
		parts, ok := Normalize(k, strip...)
		if !ok {
			skipped++
			continue
		}

		dir := tree
		for _, seg := range parts[:len(parts)-1] {
			n := dir[seg]
			if n == nil || !n.IsDir() {
				n = &Node{Directory: Tree{}}
				dir[seg] = n
			}
			dir = n.Directory
		}
		dir[parts[len(parts)-1]] = &Node{File: &File{Contents: files[k]}}
	}
	return tree, skipped
}

// Normalize splits p into clean relative segments, stripping the first
// matching prefix when p is absolute. ok is false when nothing usable is left.
func Normalize(p string, prefixes ...string) ([]string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		for _, prefix := range prefixes {
			prefix = "/" + strings.Trim(prefix, "/")
			collapsed := collapse(p)
			if collapsed == prefix || strings.HasPrefix(collapsed, prefix+"/") {
				p = strings.TrimPrefix(collapsed, prefix)
				break
			}
		}
	}

	var parts []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, false
		}
		parts = append(parts, seg)
	}
	return parts, len(parts) > 0
}

func collapse(p string) string {
	var b strings.Builder
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Flatten converts a tree back into a flat map of slash-separated paths.
func Flatten(t Tree) map[string]string {
	out := make(map[string]string)
	flatten(t, "", out)
	return out
}

func flatten(t Tree, prefix string, out map[string]string) {
	for name, n := range t {
		p := path.Join(prefix, name)
		if n.IsDir() {
			flatten(n.Directory, p, out)
			continue
		}
		out[p] = n.File.Contents
	}
}
