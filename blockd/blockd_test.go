package blockd_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dnpguard/blockd"
	"github.com/hazyhaar/dnpguard/bus"
	"github.com/hazyhaar/dnpguard/dbopen"
	"github.com/hazyhaar/dnpguard/oracle"
)

func newStore(t *testing.T) *blockd.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(blockd.Schema))
	return blockd.NewStore(db)
}

func TestStoreAddCheckRemove(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	jane := oracle.ArtistInfo{Name: "Jane Doe", ExternalID: "12345", Platform: "testwave"}

	added, err := s.Add(ctx, jane)
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	added, err = s.Add(ctx, jane)
	if err != nil || added {
		t.Fatalf("re-add: added=%v err=%v, want existing", added, err)
	}

	if ok, _ := s.IsBlocked(ctx, jane); !ok {
		t.Fatal("added artist not blocked")
	}
	// Case and spacing differences must still match.
	if ok, _ := s.IsBlocked(ctx, oracle.ArtistInfo{Name: "  jane   DOE ", Platform: "testwave"}); !ok {
		t.Fatal("normalized name lookup failed")
	}
	// External ID alone must match even with a different display name.
	if ok, _ := s.IsBlocked(ctx, oracle.ArtistInfo{Name: "J. Doe", ExternalID: "12345", Platform: "testwave"}); !ok {
		t.Fatal("external ID lookup failed")
	}
	// Other platforms are independent.
	if ok, _ := s.IsBlocked(ctx, oracle.ArtistInfo{Name: "Jane Doe", Platform: "otherfm"}); ok {
		t.Fatal("platform isolation broken")
	}

	removed, err := s.Remove(ctx, jane)
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if ok, _ := s.IsBlocked(ctx, jane); ok {
		t.Fatal("removed artist still blocked")
	}
	if removed, _ := s.Remove(ctx, jane); removed {
		t.Fatal("second remove must report not found")
	}
}

func TestStoreBackfillsExternalID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Add(ctx, oracle.ArtistInfo{Name: "Jane Doe", Platform: "testwave"})
	s.Add(ctx, oracle.ArtistInfo{Name: "Jane Doe", ExternalID: "12345", Platform: "testwave"})

	list, err := s.List(ctx, "testwave")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %+v, err=%v", list, err)
	}
	if list[0].ExternalID != "12345" {
		t.Fatalf("external ID not backfilled: %+v", list[0])
	}
}

func TestStoreActionLog(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, typ := range []string{"suppress", "skip"} {
		err := s.RecordAction(ctx, oracle.Action{
			Type: typ, Platform: "testwave",
			Data:      json.RawMessage(`{"artist":"Jane Doe"}`),
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	actions, err := s.Actions(ctx, 10)
	if err != nil || len(actions) != 2 {
		t.Fatalf("actions = %+v, err=%v", actions, err)
	}
	if actions[0].Type != "skip" {
		t.Fatalf("newest-first ordering broken: %+v", actions)
	}
}

func TestServiceContractRoundTrip(t *testing.T) {
	svc := blockd.NewService(newStore(t))
	router := bus.New()
	svc.Register(router, "testwave")
	client := oracle.NewClient(router, "testwave")
	ctx := context.Background()

	jane := oracle.ArtistInfo{Name: "Jane Doe", ExternalID: "12345"}
	if ok, err := client.AddToDNP(ctx, jane); err != nil || !ok {
		t.Fatalf("add: ok=%v err=%v", ok, err)
	}
	if !client.IsBlocked(ctx, jane) {
		t.Fatal("added artist not blocked through contract")
	}
	if ok, err := client.RemoveFromDNP(ctx, jane); err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	if client.IsBlocked(ctx, jane) {
		t.Fatal("removed artist still blocked")
	}
}

func TestImportReproducesBlockedSet(t *testing.T) {
	svc := blockd.NewService(newStore(t))
	router := bus.New()
	svc.Register(router, "testwave")
	client := oracle.NewClient(router, "testwave")
	ctx := context.Background()

	doc := &oracle.ExportDocument{
		Timestamp: time.Now().UnixMilli(),
		Platform:  "testwave",
		URL:       "https://testwave.example/library",
		Artists: []oracle.ExportArtist{
			{Name: "Jane Doe", ExternalID: "12345"},
		},
		Tracks: []oracle.ExportTrack{
			{Artist: "John Roe", Title: "Song B", ExternalID: "67890"},
			{Artist: "Jane Doe", Title: "Song A", ExternalID: "12345"},
		},
	}
	if ok, err := client.Import(ctx, doc); err != nil || !ok {
		t.Fatalf("import: ok=%v err=%v", ok, err)
	}

	for _, a := range []oracle.ArtistInfo{
		{Name: "Jane Doe", ExternalID: "12345"},
		{Name: "John Roe"},
	} {
		if !client.IsBlocked(ctx, a) {
			t.Fatalf("imported artist %q not blocked", a.Name)
		}
	}
}

func TestHTTPSurface(t *testing.T) {
	store := newStore(t)
	svc := blockd.NewService(store)
	busRouter := bus.New()
	svc.Register(busRouter, "testwave")

	srv := httptest.NewServer(blockd.NewHTTPHandler(store, busRouter))
	defer srv.Close()

	// A remote engine talks through the HTTP bus transport.
	engineRouter := bus.New()
	transport := bus.NewHTTPTransport(srv.URL, srv.Client())
	transport.RegisterAll(engineRouter, oracle.Services("testwave")...)
	client := oracle.NewClient(engineRouter, "testwave")
	ctx := context.Background()

	if ok, err := client.AddToDNP(ctx, oracle.ArtistInfo{Name: "Jane Doe", ExternalID: "12345"}); err != nil || !ok {
		t.Fatalf("add over HTTP: ok=%v err=%v", ok, err)
	}
	if !client.IsBlocked(ctx, oracle.ArtistInfo{Name: "Jane Doe"}) {
		t.Fatal("check over HTTP failed")
	}
	client.LogAction(ctx, "suppress", map[string]string{"artist": "Jane Doe"})

	// Inspection endpoints.
	resp, err := http.Get(srv.URL + "/api/artists?platform=testwave")
	if err != nil {
		t.Fatalf("get artists: %v", err)
	}
	defer resp.Body.Close()
	var artists []oracle.ArtistInfo
	if err := json.NewDecoder(resp.Body).Decode(&artists); err != nil {
		t.Fatalf("decode artists: %v", err)
	}
	if len(artists) != 1 || artists[0].Name != "Jane Doe" {
		t.Fatalf("artists = %+v", artists)
	}

	resp2, err := http.Get(srv.URL + "/api/actions")
	if err != nil {
		t.Fatalf("get actions: %v", err)
	}
	defer resp2.Body.Close()
	var actions []oracle.Action
	if err := json.NewDecoder(resp2.Body).Decode(&actions); err != nil {
		t.Fatalf("decode actions: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != "suppress" {
		t.Fatalf("actions = %+v", actions)
	}

	hz, err := http.Get(srv.URL + "/healthz")
	if err != nil || hz.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, hz)
	}
	hz.Body.Close()
}
