package aggregatorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUploadAndCollectRoundTrip(t *testing.T) {
	var gotReport Report
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReport); err != nil {
			t.Errorf("decode report: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collect", func(w http.ResponseWriter, r *http.Request) {
		var q collectQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("decode collect query: %v", err)
		}
		if q.TaskId.Encode() == "" {
			t.Errorf("expected non-empty task id")
		}
		_ = json.NewEncoder(w).Encode(CollectionResult{
			ReportCount: 3,
			LeaderShare: AggregateShare{EncapsulatedKey: []byte("ek"), Ciphertext: []byte("ct-l")},
			HelperShare: AggregateShare{EncapsulatedKey: []byte("ek"), Ciphertext: []byte("ct-h")},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := New(nil)
	ctx := context.Background()

	taskID, err := dap.RandomTaskId()
	if err != nil {
		t.Fatalf("random task id: %v", err)
	}

	report := Report{TaskId: taskID, PublicShare: []byte("pub"), InputShare: []byte("share")}
	if err := client.Upload(ctx, srv.URL, report); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if gotReport.TaskId != taskID {
		t.Fatalf("server saw task id %s, want %s", gotReport.TaskId, taskID)
	}

	result, err := client.Collect(ctx, srv.URL, taskID, time.Unix(0, 0), time.Unix(3600, 0))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if result.ReportCount != 3 {
		t.Fatalf("report count = %d, want 3", result.ReportCount)
	}
	if string(result.LeaderShare.Ciphertext) != "ct-l" || string(result.HelperShare.Ciphertext) != "ct-h" {
		t.Fatalf("unexpected shares: %+v", result)
	}
}

func TestUploadFailureSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := New(nil)
	taskID, err := dap.RandomTaskId()
	if err != nil {
		t.Fatalf("random task id: %v", err)
	}

	if err := client.Upload(context.Background(), srv.URL, Report{TaskId: taskID}); err == nil {
		t.Fatal("expected upload failure to be surfaced")
	}
}
