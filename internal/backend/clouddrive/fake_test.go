package clouddrive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type pageMode int

const (
	// nextToken is present only while more data remains.
	pageNextToken pageMode = iota
	// nextToken is always present; the listing ends with an empty page.
	pageEmptyFinal
	// nextToken is always present and count reports the total.
	pageCount
)

type fakeNode struct {
	Node
	content []byte
	trashed bool
	hidden  bool
}

// fakeDrive is an in-memory Cloud Drive speaking the subset of the REST API
// the adapter uses.
type fakeDrive struct {
	srv *httptest.Server

	mu        sync.Mutex
	nodes     map[string]*fakeNode
	order     []string
	seq       int
	pageSize  int
	mode      pageMode
	available int64
	hideNew   bool
	calls     map[string]int
	uploads   []fakeUpload
}

type fakeUpload struct {
	meta          Node
	contentLength int64
	chunked       bool
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()
	f := &fakeDrive{
		nodes:     map[string]*fakeNode{},
		available: 1 << 30,
		calls:     map[string]int{},
	}
	f.nodes["root"] = &fakeNode{Node: Node{ID: "root", Name: "", Kind: KindFolder}}
	f.order = append(f.order, "root")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.token)
	mux.HandleFunc("GET /account/endpoint", f.endpoint)
	mux.HandleFunc("GET /account/quota", f.quota)
	mux.HandleFunc("GET /nodes", f.query)
	mux.HandleFunc("POST /nodes", f.mkdir)
	mux.HandleFunc("GET /nodes/{id}", f.get)
	mux.HandleFunc("GET /nodes/{id}/children", f.children)
	mux.HandleFunc("PUT /trash/{id}", f.trash)
	mux.HandleFunc("POST /content/nodes", f.upload)
	mux.HandleFunc("GET /content/nodes/{id}/content", f.download)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// fakeSession implements Session against the fake.
type fakeSession struct{ f *fakeDrive }

func (s fakeSession) Client() *http.Client { return s.f.srv.Client() }

func (s fakeSession) MetadataURL() string { return s.f.srv.URL + "/" }

func (s fakeSession) ContentURL() string { return s.f.srv.URL + "/content/" }

func (f *fakeDrive) session() Session { return fakeSession{f} }

func (f *fakeDrive) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeDrive) addLocked(n Node, content []byte) *fakeNode {
	f.seq++
	n.ID = "n" + strconv.Itoa(f.seq)
	fn := &fakeNode{Node: n, content: content}
	if n.Kind == KindFile {
		fn.ContentProperties = &ContentProperties{Size: int64(len(content))}
	}
	f.nodes[n.ID] = fn
	f.order = append(f.order, n.ID)
	return fn
}

func (f *fakeDrive) addFolder(parentID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(Node{Name: name, Kind: KindFolder, Parents: []string{parentID}}, nil).ID
}

func (f *fakeDrive) addFile(parentID, name string, content []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(Node{Name: name, Kind: KindFile, Parents: []string{parentID}}, content).ID
}

func (f *fakeDrive) setHidden(id string, hidden bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id].hidden = hidden
}

func (f *fakeDrive) isTrashed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[id].trashed
}

// folders returns the ids of live folders with the given name below parent.
func (f *fakeDrive) folders(parentID, name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.order {
		n := f.nodes[id]
		if !n.trashed && n.Kind == KindFolder && n.Name == name && hasParent(n.Node, parentID) {
			out = append(out, id)
		}
	}
	return out
}

func hasParent(n Node, id string) bool {
	for _, p := range n.Parents {
		if p == id {
			return true
		}
	}
	return false
}

func parseFilters(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pred := range strings.Split(raw, " AND ") {
		k, v, _ := strings.Cut(pred, ":")
		out[k] = v
	}
	return out
}

func matches(n *fakeNode, flt map[string]string) bool {
	if n.trashed {
		return false
	}
	if k, ok := flt["kind"]; ok && n.Kind != k {
		return false
	}
	if v, ok := flt["isRoot"]; ok && (v == "true") != (n.ID == "root") {
		return false
	}
	if p, ok := flt["parents"]; ok && !hasParent(n.Node, p) {
		return false
	}
	if name, ok := flt["name"]; ok {
		if prefix, wildcard := strings.CutSuffix(name, "*"); wildcard {
			if !strings.HasPrefix(n.Name, prefix) {
				return false
			}
		} else if n.Name != name {
			return false
		}
	}
	return true
}

func (f *fakeDrive) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDrive) paginate(w http.ResponseWriter, r *http.Request, nodes []Node) {
	off, _ := strconv.Atoi(r.URL.Query().Get("startToken"))
	off = min(off, len(nodes))
	end := len(nodes)
	if f.pageSize > 0 {
		end = min(off+f.pageSize, len(nodes))
	}
	data := append([]Node{}, nodes[off:end]...)

	resp := map[string]any{"data": data}
	switch f.mode {
	case pageNextToken:
		if end < len(nodes) {
			resp["nextToken"] = strconv.Itoa(end)
		}
	case pageEmptyFinal:
		resp["nextToken"] = strconv.Itoa(end)
	case pageCount:
		resp["nextToken"] = strconv.Itoa(end)
		resp["count"] = len(nodes)
	}
	f.writeJSON(w, http.StatusOK, resp)
}

func (f *fakeDrive) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "refresh" {
		f.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["token"]++
	f.writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  "access",
		"refresh_token": "refresh",
		"token_type":    "bearer",
		"expires_in":    3600,
	})
}

func (f *fakeDrive) endpoint(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access" {
		f.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]string{
		"metadataUrl": f.srv.URL + "/",
		"contentUrl":  f.srv.URL + "/content/",
	})
}

func (f *fakeDrive) quota(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeJSON(w, http.StatusOK, map[string]any{"available": f.available})
}

func (f *fakeDrive) query(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["query"]++
	flt := parseFilters(r.URL.Query().Get("filters"))
	var out []Node
	for _, id := range f.order {
		if n := f.nodes[id]; matches(n, flt) {
			out = append(out, n.Node)
		}
	}
	f.paginate(w, r, out)
}

func (f *fakeDrive) children(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["children"]++
	parent := r.PathValue("id")
	flt := parseFilters(r.URL.Query().Get("filters"))
	flt["parents"] = parent
	var out []Node
	for _, id := range f.order {
		if n := f.nodes[id]; !n.hidden && matches(n, flt) {
			out = append(out, n.Node)
		}
	}
	f.paginate(w, r, out)
}

func (f *fakeDrive) mkdir(w http.ResponseWriter, r *http.Request) {
	var in Node
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["mkdir"]++
	n := f.addLocked(in, nil)
	f.writeJSON(w, http.StatusCreated, n.Node)
}

func (f *fakeDrive) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[r.PathValue("id")]
	if !ok || n.trashed {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}
	f.writeJSON(w, http.StatusOK, n.Node)
}

func (f *fakeDrive) trash(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["trash"]++
	n, ok := f.nodes[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}
	n.trashed = true
	f.writeJSON(w, http.StatusOK, n.Node)
}

func (f *fakeDrive) upload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("suppress") != "deduplication" {
		http.Error(w, "deduplication not suppressed", http.StatusBadRequest)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var meta Node
	var content []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "metadata":
			if err := json.NewDecoder(part).Decode(&meta); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		case "content":
			if content, err = io.ReadAll(part); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		default:
			http.Error(w, fmt.Sprintf("unexpected part %q", part.FormName()), http.StatusBadRequest)
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["upload"]++
	f.uploads = append(f.uploads, fakeUpload{
		meta:          meta,
		contentLength: r.ContentLength,
		chunked:       len(r.TransferEncoding) > 0,
	})

	if len(meta.Parents) != 1 {
		http.Error(w, `{"message":"exactly one parent required"}`, http.StatusBadRequest)
		return
	}
	for _, id := range f.order {
		n := f.nodes[id]
		if !n.trashed && n.Name == meta.Name && hasParent(n.Node, meta.Parents[0]) {
			f.writeJSON(w, http.StatusConflict, map[string]any{"message": "Node with the name " + meta.Name + " already exists"})
			return
		}
	}

	n := f.addLocked(meta, content)
	n.hidden = f.hideNew
	f.writeJSON(w, http.StatusCreated, n.Node)
}

func (f *fakeDrive) download(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	n, ok := f.nodes[r.PathValue("id")]
	f.mu.Unlock()
	if !ok || n.trashed {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(n.content)
}
