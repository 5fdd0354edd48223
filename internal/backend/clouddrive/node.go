package clouddrive

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Node kinds.
const (
	KindFolder = "FOLDER"
	KindFile   = "FILE"
)

// Node is a file or folder in the provider's storage graph.
type Node struct {
	ID                string             `json:"id,omitempty"`
	Name              string             `json:"name"`
	Kind              string             `json:"kind"`
	Parents           []string           `json:"parents,omitempty"`
	ContentProperties *ContentProperties `json:"contentProperties,omitempty"`
}

// ContentProperties describes the content of a FILE node.
type ContentProperties struct {
	Size int64  `json:"size"`
	MD5  string `json:"md5,omitempty"`
}

// Size returns the content size, zero for folders.
func (n Node) Size() int64 {
	if n.ContentProperties == nil {
		return 0
	}
	return n.ContentProperties.Size
}

type quota struct {
	Available int64 `json:"available"`
}

// filterSafe matches the characters the filter syntax accepts unescaped.
var filterSafe = regexp.MustCompile(`^[A-Za-z0-9_-]*`)

// nameFilter returns the filter value for an exact name. There is no
// escaping, so the value is cut at the first unsupported character and
// turned into a prefix match; callers must compare names afterwards.
func nameFilter(name string) string {
	prefix := filterSafe.FindString(name)
	if prefix != name {
		return prefix + "*"
	}
	return prefix
}

func filters(predicates ...string) url.Values {
	return url.Values{"filters": {strings.Join(predicates, " AND ")}}
}

func (a *api) rootID(ctx context.Context) (string, error) {
	var p page
	if err := a.call(ctx, http.MethodGet, a.metadata("nodes", filters("kind:"+KindFolder, "isRoot:true")), nil, &p); err != nil {
		return "", err
	}
	if len(p.Data) == 0 || p.Data[0].ID == "" {
		return "", errors.New("root folder not found")
	}
	return p.Data[0].ID, nil
}

func (a *api) mkdir(ctx context.Context, parentID, name string) (string, error) {
	in := Node{Name: name, Kind: KindFolder, Parents: []string{parentID}}
	var out Node
	if err := a.call(ctx, http.MethodPost, a.metadata("nodes", nil), in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create folder: response has no id")
	}
	return out.ID, nil
}

func (a *api) node(ctx context.Context, id string) (Node, error) {
	var n Node
	err := a.call(ctx, http.MethodGet, a.metadata("nodes/"+url.PathEscape(id), nil), nil, &n)
	return n, err
}

func (a *api) trash(ctx context.Context, id string) error {
	return a.call(ctx, http.MethodPut, a.metadata("trash/"+url.PathEscape(id), nil), nil, nil)
}

func (a *api) availableQuota(ctx context.Context) (int64, error) {
	var q quota
	if err := a.call(ctx, http.MethodGet, a.metadata("account/quota", nil), nil, &q); err != nil {
		return 0, err
	}
	return q.Available, nil
}
