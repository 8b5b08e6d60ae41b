package store

import (
	"strings"

	"codehive/collab/internal/crdt"
)

var nameSanitizer = strings.NewReplacer(
	`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_",
)

// SanitizeName makes a tree node name safe for use as a path segment.
func SanitizeName(name string) string {
	s := strings.TrimSpace(nameSanitizer.Replace(name))
	if s == "" {
		return "untitled"
	}
	return s
}

// BuildFilePathFromTree derives a file's path by walking file-tree:nodes
// from fileID up through parentId links. A node lookup miss is tolerated
// once segments have been collected (the walk just stops there); a miss on
// the first node, or any revisited id (cycle), yields no path.
func BuildFilePathFromTree(doc *crdt.Doc, fileID string) (string, bool) {
	nodes := doc.Map("file-tree:nodes")
	var segments []string
	visited := make(map[string]bool)
	cur := fileID
	for {
		if visited[cur] {
			return "", false
		}
		visited[cur] = true
		node := nodes.GetMap(cur)
		if node == nil {
			if len(segments) > 0 {
				break
			}
			return "", false
		}
		name, _ := node.Get("name").(string)
		segments = append(segments, SanitizeName(name))
		parent, ok := node.Get("parentId").(string)
		if !ok || parent == "" {
			break
		}
		cur = parent
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, "/"), true
}

// FallbackFilePath is used when the tree yields no path for a file.
func FallbackFilePath(fileID string) string {
	return "files/" + SanitizeName(fileID) + ".txt"
}
