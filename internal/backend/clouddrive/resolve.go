package clouddrive

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
)

// resolvePath walks the slash separated path below rootID one segment at a
// time, creating missing folders, and returns the id of the last folder.
// Two folders with the same name below one parent are a fatal error.
func (a *api) resolvePath(ctx context.Context, rootID, path string) (string, error) {
	parentID := rootID
	for _, segment := range splitPath(path) {
		matches, err := a.readAllPages(ctx, "nodes",
			filters("kind:"+KindFolder, "name:"+nameFilter(segment), "parents:"+parentID))
		if err != nil {
			return "", fmt.Errorf("look up folder %q: %w", segment, err)
		}

		var candidates []Node
		for _, m := range matches {
			if m.Name == segment {
				candidates = append(candidates, m)
			}
		}

		switch len(candidates) {
		case 0:
			log.Debug().
				Str("action", "resolve_target").
				Str("folder", segment).
				Str("parent_id", parentID).
				Msg("folder does not exist yet, creating")
			id, err := a.mkdir(ctx, parentID, segment)
			if err != nil {
				return "", fmt.Errorf("create folder %q: %w", segment, err)
			}
			parentID = id
		case 1:
			parentID = candidates[0].ID
		default:
			return "", backend.Fatal(fmt.Errorf(
				"there are %d folders named %q below parent %s; duplicate folder names are not supported",
				len(candidates), segment, parentID))
		}
	}
	return parentID, nil
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
