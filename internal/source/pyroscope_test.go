package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"profdiag/internal/profile"
)

func newPyroscope(t *testing.T, handler http.HandlerFunc) *PyroscopeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewPyroscopeClient(srv.URL, "", time.Second)
	if err != nil {
		t.Fatalf("NewPyroscopeClient: %v", err)
	}
	return client
}

func TestPyroscopeServices(t *testing.T) {
	var gotBody map[string]string
	client := newPyroscope(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/querier.v1.QuerierService/LabelValues" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"names":["bank-order-service","bank-api-gateway","","bank-order-service"]}`))
	})

	got, err := client.Services(context.Background())
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if diff := cmp.Diff([]string{"bank-api-gateway", "bank-order-service"}, got); diff != "" {
		t.Fatalf("Services mismatch (-want +got):\n%s", diff)
	}
	if gotBody["name"] != DefaultServiceLabel {
		t.Fatalf("request body=%v want name=%s", gotBody, DefaultServiceLabel)
	}
}

func TestPyroscopeRender(t *testing.T) {
	var gotQuery, gotFrom, gotFormat string
	client := newPyroscope(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pyroscope/render" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		gotQuery, gotFrom, gotFormat = q.Get("query"), q.Get("from"), q.Get("format")
		_, _ = w.Write([]byte(`{"flamebearer":{"names":["total","main","work"],
			"levels":[[0,10,0,0],[0,10,2,1],[0,8,8,2]],"numTicks":10,"maxSelf":8},
			"metadata":{"format":"single"}}`))
	})

	fb, err := client.Render(context.Background(), "process_cpu:cpu:nanoseconds:cpu:nanoseconds", "bank-order-service", "30m")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if gotQuery != `process_cpu:cpu:nanoseconds:cpu:nanoseconds{service_name="bank-order-service"}` {
		t.Fatalf("query=%q", gotQuery)
	}
	if gotFrom != "now-30m" || gotFormat != "json" {
		t.Fatalf("from=%q format=%q", gotFrom, gotFormat)
	}

	top := profile.TopFunctions(fb, 5)
	want := []profile.HotFunction{
		{FunctionName: "work", SelfValue: 8, PctOfTotal: 80},
		{FunctionName: "main", SelfValue: 2, PctOfTotal: 20},
	}
	if diff := cmp.Diff(want, top); diff != "" {
		t.Fatalf("top functions mismatch (-want +got):\n%s", diff)
	}
}

func TestPyroscopeErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "server error", status: http.StatusBadGateway, body: "bad gateway", wantErr: ErrUnavailable},
		{name: "not json", status: http.StatusOK, body: "<html>", wantErr: ErrMalformed},
		{name: "missing flamebearer", status: http.StatusOK, body: `{"metadata":{}}`, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newPyroscope(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Render(context.Background(), "mutex:contentions:count:mutex:count", "svc", "1h")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPyroscopeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewPyroscopeClient(srv.URL, "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPyroscopeClient: %v", err)
	}
	if _, err := client.Services(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}

func TestNewPyroscopeClientRejectsScheme(t *testing.T) {
	if _, err := NewPyroscopeClient("gopher://pyroscope:4040", "", 0); err == nil {
		t.Fatal("expected non-http scheme to be rejected")
	}
}
