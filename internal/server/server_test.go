package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestSubmitAndFetchOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"description": "echo hello",
	}, map[string]string{"X-Actor-Id": "tester"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created OrderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if created.ID == "" || created.Status != domain.StatusPending {
		t.Fatalf("unexpected created order: %+v", created)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched OrderResponse
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.Description != "echo hello" {
		t.Fatalf("unexpected order: %+v", fetched)
	}

	missingRes, missingBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/no-such-order", nil, nil)
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", missingRes.StatusCode, string(missingBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(missingBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestSubmitRequiresDescription(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"description": "",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListOrdersPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, desc := range []string{"one", "two", "three"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{"description": desc}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %s: %d %s", desc, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedOrders
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %d items, cursor %q", len(page.Items), page.NextCursor)
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("page 2 status %d: %s", res2.StatusCode, string(data2))
	}
	var page2 paginatedOrders
	_ = json.Unmarshal(data2, &page2)
	if len(page2.Items) != 1 {
		t.Fatalf("expected last order on page 2, got %d", len(page2.Items))
	}
}

func TestHumanDecisionEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	o, err := srv.Engine.SubmitOrder(ctx, engine.SubmitOptions{Description: "review me", ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := srv.Engine.ClaimOrder(ctx, o.ID, "worker-test")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, _, err := srv.Engine.CompleteOrder(ctx, claimed, domain.ExecutionResult{
		Success: true,
		Output:  map[string]any{"result": "ok"},
	}, "worker-test")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	decRes, decBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/results/"+res.ResultID+"/decision", map[string]any{
		"decision": "rejected",
		"feedback": "not acceptable",
	}, map[string]string{"X-Actor-Id": "reviewer"})
	if decRes.StatusCode != http.StatusCreated {
		t.Fatalf("decision status %d: %s", decRes.StatusCode, string(decBody))
	}
	var record ApprovalResponse
	if err := json.Unmarshal(decBody, &record); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if record.Decision != domain.DecisionRejected || record.Source != domain.SourceHuman {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Feedback != "not acceptable" {
		t.Fatalf("feedback lost: %+v", record)
	}

	badRes, badBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/results/"+res.ResultID+"/decision", map[string]any{
		"decision": "shrug",
	}, nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid decision, got %d: %s", badRes.StatusCode, string(badBody))
	}

	missRes, missBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/results/no-such-result/decision", map[string]any{
		"decision": "approved",
	}, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown result, got %d: %s", missRes.StatusCode, string(missBody))
	}

	reevalRes, reevalBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/results/"+res.ResultID+"/reevaluate", nil, nil)
	if reevalRes.StatusCode != http.StatusCreated {
		t.Fatalf("reevaluate status %d: %s", reevalRes.StatusCode, string(reevalBody))
	}
	var reeval ApprovalResponse
	_ = json.Unmarshal(reevalBody, &reeval)
	if reeval.Source != domain.SourceAutomated {
		t.Fatalf("reevaluation should be automated: %+v", reeval)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/"+o.ID+"/approvals", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("approvals status %d: %s", listRes.StatusCode, string(listBody))
	}
	var approvals []ApprovalResponse
	_ = json.Unmarshal(listBody, &approvals)
	if len(approvals) != 3 {
		t.Fatalf("expected 3 approval records (auto, human, reevaluation), got %d", len(approvals))
	}
}

func TestStatusAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if _, err := srv.Engine.SubmitOrder(context.Background(), engine.SubmitOptions{Description: "work", ActorID: "tester"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status struct {
		OrderCounts map[string]int `json:"order_counts"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.OrderCounts[domain.StatusPending] != 1 {
		t.Fatalf("expected one pending order, got %v", status.OrderCounts)
	}

	evRes, evBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=order.submitted", nil, nil)
	if evRes.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", evRes.StatusCode, string(evBody))
	}
	var events []EventResponse
	if err := json.Unmarshal(evBody, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "order.submitted" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestReleaseEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	o, err := srv.Engine.SubmitOrder(ctx, engine.SubmitOptions{Description: "claim and release", ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := srv.Engine.ClaimOrder(ctx, o.ID, "worker-test"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+o.ID+"/release", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, string(data))
	}
	var released OrderResponse
	_ = json.Unmarshal(data, &released)
	if released.LockedBy != "" || released.LockedUntil != 0 {
		t.Fatalf("lease not cleared: %+v", released)
	}
}
