package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

const samplePayload = `{
  "Siri": {
    "ServiceDelivery": {
      "ResponseTimestamp": "2024-01-15T10:30:00Z",
      "VehicleMonitoringDelivery": {
        "VehicleActivity": [
          {
            "RecordedAtTime": "2024-01-15T10:29:45Z",
            "MonitoredVehicleJourney": {
              "LineRef": "14",
              "VehicleRef": "8812",
              "FramedVehicleJourneyRef": {"DatedVehicleJourneyRef": "11550401"},
              "VehicleLocation": {"Latitude": "37.7749", "Longitude": "-122.4194"},
              "Bearing": "135.0"
            }
          }
        ]
      }
    }
  }
}`

func TestNewClient(t *testing.T) {
	client := NewClient("test-api-key", "", 0)

	if client == nil {
		t.Fatal("NewClient returned nil")
	}
	if client.httpClient == nil {
		t.Error("httpClient should not be nil")
	}
	if client.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q, want %q", client.baseURL, DefaultBaseURL)
	}
	if client.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
	}
}

func TestFetchVehicleActivity_MockServer(t *testing.T) {
	var receivedPath string
	var receivedQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		receivedQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(samplePayload))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, time.Second)

	activities := client.FetchVehicleActivity(context.Background(), "SF")
	if len(activities) != 1 {
		t.Fatalf("Expected 1 activity, got %d", len(activities))
	}

	if receivedPath != "/transit/VehicleMonitoring" {
		t.Errorf("path = %q, want /transit/VehicleMonitoring", receivedPath)
	}
	for key, want := range map[string]string{"api_key": "test-key", "agency": "SF", "format": "json"} {
		if got := receivedQuery[key]; len(got) != 1 || got[0] != want {
			t.Errorf("query %s = %v, want %q", key, got, want)
		}
	}
}

func TestFetchVehicleActivity_ByteOrderMark(t *testing.T) {
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(samplePayload))
	}))
	defer plain.Close()

	withBOM := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(append([]byte{0xEF, 0xBB, 0xBF}, samplePayload...))
	}))
	defer withBOM.Close()

	a := NewClient("k", plain.URL, time.Second).FetchVehicleActivity(context.Background(), "SF")
	b := NewClient("k", withBOM.URL, time.Second).FetchVehicleActivity(context.Background(), "SF")

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("Expected one activity from both payloads, got %d and %d", len(a), len(b))
	}
	if a[0]["RecordedAtTime"] != b[0]["RecordedAtTime"] {
		t.Errorf("BOM-prefixed payload decoded differently: %v vs %v", a[0], b[0])
	}
}

func TestFetchVehicleActivity_HTTPErrors(t *testing.T) {
	statuses := []int{
		http.StatusUnauthorized,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
	}

	for _, status := range statuses {
		t.Run(http.StatusText(status), func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(status)
			}))
			defer server.Close()

			activities := NewClient("k", server.URL, time.Second).FetchVehicleActivity(context.Background(), "AC")
			if len(activities) != 0 {
				t.Errorf("Expected no activities for HTTP %d, got %d", status, len(activities))
			}
			if calls != 1 {
				t.Errorf("Expected exactly one request, got %d", calls)
			}
		})
	}
}

func TestFetchVehicleActivity_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient("k", server.URL, 50*time.Millisecond)

	start := time.Now()
	activities := client.FetchVehicleActivity(context.Background(), "CT")
	if len(activities) != 0 {
		t.Errorf("Expected no activities on timeout, got %d", len(activities))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Fetch took %v, timeout was not applied", elapsed)
	}
}

func TestFetchVehicleActivity_MalformedPayload(t *testing.T) {
	payloads := []string{
		`{"Siri": {"ServiceDelivery": `,
		`<Siri></Siri>`,
		"\xff\xfe{}",
	}

	for _, p := range payloads {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(p))
		}))

		activities := NewClient("k", server.URL, time.Second).FetchVehicleActivity(context.Background(), "SF")
		if len(activities) != 0 {
			t.Errorf("Expected no activities for %q, got %d", p, len(activities))
		}
		server.Close()
	}
}

func TestFetchVehicleActivity_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	if activities := NewClient("k", url, time.Second).FetchVehicleActivity(context.Background(), "SF"); len(activities) != 0 {
		t.Errorf("Expected no activities from closed server, got %d", len(activities))
	}
}

func TestDecodeBody(t *testing.T) {
	withBOM := append([]byte{0xEF, 0xBB, 0xBF}, samplePayload...)
	activities, err := DecodeBody(withBOM)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if len(activities) != 1 {
		t.Errorf("Expected 1 activity, got %d", len(activities))
	}

	if _, err := DecodeBody([]byte("\xef\xbb\xbf{\"Siri\": ")); err == nil {
		t.Error("Expected error for truncated document after BOM")
	}
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Code: 503}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("Error() = %q, want status code in message", err.Error())
	}
}

// Integration test - only runs when TRANSIT511_API_KEY is set
func TestFetchVehicleActivity_Integration(t *testing.T) {
	apiKey := os.Getenv("TRANSIT511_API_KEY")
	if apiKey == "" {
		t.Skip("TRANSIT511_API_KEY not set, skipping integration test")
	}

	client := NewClient(apiKey, "", 0)
	for _, agency := range []string{"SF", "AC", "CT"} {
		t.Run("Agency_"+agency, func(t *testing.T) {
			activities := client.FetchVehicleActivity(context.Background(), agency)
			t.Logf("Received %d vehicle activities for agency %s", len(activities), agency)
			time.Sleep(2 * time.Second)
		})
	}
}
