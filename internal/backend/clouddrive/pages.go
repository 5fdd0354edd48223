package clouddrive

import (
	"context"
	"net/http"
	"net/url"
)

type page struct {
	Data      []Node  `json:"data"`
	NextToken *string `json:"nextToken,omitempty"`
	Count     *int    `json:"count,omitempty"`
}

// readAllPages follows startToken continuation until the provider signals the
// last page and returns the concatenated data arrays.
//
// The documented end-of-listing signal is an empty page, but the provider also
// omits nextToken on the final page. A reported count already reached ends the
// loop without another round trip.
func (a *api) readAllPages(ctx context.Context, path string, q url.Values) ([]Node, error) {
	var result []Node
	next := ""

	for {
		pq := url.Values{}
		for k, v := range q {
			pq[k] = v
		}
		pq.Set("startToken", next)

		var p page
		if err := a.call(ctx, http.MethodGet, a.metadata(path, pq), nil, &p); err != nil {
			return nil, err
		}
		result = append(result, p.Data...)

		if p.NextToken == nil || len(p.Data) == 0 {
			break
		}
		if p.Count != nil && len(result) >= *p.Count {
			break
		}
		next = *p.NextToken
	}
	return result, nil
}
