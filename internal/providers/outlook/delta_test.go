package outlook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

// graphServer serves a two page inbox delta for u1, a single page delta for
// u2 and an expired delta token at /expired.
type graphServer struct {
	*httptest.Server

	mu      stdsync.Mutex
	expired int
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()

	g := &graphServer{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/expired":
			g.mu.Lock()
			g.expired++
			g.mu.Unlock()

			w.WriteHeader(http.StatusGone)
			fmt.Fprint(w, `{"error":{"code":"syncStateNotFound","message":"The sync state generation is not found."}}`)
		case r.URL.Path == "/page2":
			fmt.Fprintf(w, `{"@odata.deltaLink":%q,"value":[
				{"@odata.type":"#microsoft.graph.message","id":"m2","@removed":{"reason":"deleted"}},
				{"@odata.type":"#microsoft.graph.message","id":"m1","subject":"edited"}
			]}`, g.URL+"/delta-token")
		case strings.Contains(r.URL.Path, "/users/u1/") && strings.Contains(r.URL.Path, "/messages/delta"):
			fmt.Fprintf(w, `{"@odata.nextLink":%q,"value":[
				{"@odata.type":"#microsoft.graph.message","id":"m1","subject":"first"},
				{"@odata.type":"#microsoft.graph.message","id":"m2","subject":"second"}
			]}`, g.URL+"/page2")
		case strings.Contains(r.URL.Path, "/users/u2/") && strings.Contains(r.URL.Path, "/messages/delta"):
			fmt.Fprintf(w, `{"@odata.deltaLink":%q,"value":[
				{"@odata.type":"#microsoft.graph.message","id":"m3","subject":"draft"},
				{"@odata.type":"#microsoft.graph.message","id":"m4","@removed":{"reason":"deleted"}},
				{"@odata.type":"#microsoft.graph.message","id":"m3","@removed":{"reason":"deleted"}},
				{"@odata.type":"#microsoft.graph.message","id":"m4","subject":"restored"}
			]}`, g.URL+"/delta-token-u2")
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":"ResourceNotFound","message":"unexpected path"}}`)
		}
	}))
	t.Cleanup(g.Close)

	return g
}

func (g *graphServer) expiredHits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expired
}

func newTestAdapter(g *graphServer) (*Adapter, sync.Tenant) {
	a := New(Options{BaseURL: g.URL, CallTimeout: 5 * time.Second})
	t := sync.Tenant{
		ID:          "contoso",
		Namespace:   "tenant_contoso",
		Credentials: sync.Credentials{Provider: sync.ProviderMicrosoft, ClientID: "app", ClientSecret: "secret"},
	}
	return a, t
}

func TestFetchChangesPagesToLastState(t *testing.T) {
	g := newGraphServer(t)
	a, tenant := newTestAdapter(g)

	changes, err := a.FetchChanges(context.Background(), tenant, "u1", "")
	require.NoError(t, err)
	require.Equal(t, []sync.Message{{ID: "m1", Subject: "edited"}}, changes.Changed)
	require.Equal(t, []string{"m2"}, changes.Removed)
	require.Equal(t, g.URL+"/delta-token", changes.NextCursor)
}

func TestFetchChangesExpiredCursorRestarts(t *testing.T) {
	g := newGraphServer(t)
	a, tenant := newTestAdapter(g)

	changes, err := a.FetchChanges(context.Background(), tenant, "u1", g.URL+"/expired")
	require.NoError(t, err)
	require.Equal(t, 1, g.expiredHits())
	require.Equal(t, []sync.Message{{ID: "m1", Subject: "edited"}}, changes.Changed)
	require.Equal(t, []string{"m2"}, changes.Removed)
	require.Equal(t, g.URL+"/delta-token", changes.NextCursor)
}

func TestFetchChangesRemovalAfterChange(t *testing.T) {
	g := newGraphServer(t)
	a, tenant := newTestAdapter(g)

	changes, err := a.FetchChanges(context.Background(), tenant, "u2", "")
	require.NoError(t, err)
	require.Equal(t, []sync.Message{{ID: "m4", Subject: "restored"}}, changes.Changed)
	require.Equal(t, []string{"m3"}, changes.Removed)
	require.Equal(t, g.URL+"/delta-token-u2", changes.NextCursor)
}

func TestChangeLogKeepsLastState(t *testing.T) {
	var items changeLog
	items.change(sync.Message{ID: "a", Subject: "v1"})
	items.remove("b")
	items.change(sync.Message{ID: "a", Subject: "v2"})
	items.remove("a")
	items.change(sync.Message{ID: "b", Subject: "back"})
	items.change(sync.Message{ID: "c"})

	changes := items.changeSet("next")
	require.Equal(t, []sync.Message{{ID: "b", Subject: "back"}, {ID: "c"}}, changes.Changed)
	require.Equal(t, []string{"a"}, changes.Removed)
	require.Equal(t, "next", changes.NextCursor)
}
