package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parget/parget/internal/progress"
	"github.com/parget/parget/internal/utils"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func parseRangeHeader(header string) (int64, int64) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	start, _ := strconv.ParseInt(parts[0], 10, 64)
	end := int64(-1)
	if len(parts) == 2 && parts[1] != "" {
		end, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return start, end
}

// serveRange answers HEAD and byte-range GET requests the way a well-behaved
// origin would.
func serveRange(w http.ResponseWriter, r *http.Request, data []byte) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Accept-Ranges", "bytes")
		return
	}
	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Write(data)
		return
	}
	start, end := parseRangeHeader(rangeHeader)
	if end < 0 || end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[start : end+1])
}

func testJob(t *testing.T, url string, totalSize, splitSize int64, connections int) *utils.DownloadJob {
	t.Helper()
	return &utils.DownloadJob{
		ID:          "test",
		URL:         url,
		OutputPath:  filepath.Join(t.TempDir(), "out.bin"),
		TotalSize:   totalSize,
		SplitSize:   splitSize,
		Connections: connections,
	}
}

func testDownloader() *Downloader {
	return &Downloader{
		Client:      utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 10 * time.Second}),
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	data := testData(1 << 20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 128*1024, 4)
	d := testDownloader()
	agg := progress.NewAggregatorWithInterval(10*time.Millisecond, 64*1024)
	d.Aggregator = agg

	result, err := d.Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	if result.BytesWritten != int64(len(data)) {
		t.Errorf("bytes written = %d, want %d", result.BytesWritten, len(data))
	}
	got, err := os.ReadFile(job.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("assembled file differs from source data")
	}
	if _, err := os.Stat(job.OutputPath + utils.ManifestSuffix); !os.IsNotExist(err) {
		t.Error("manifest left behind after a completed download")
	}
	if snap := agg.Snapshot(); snap.BytesCompleted != int64(len(data)) {
		t.Errorf("aggregator saw %d bytes, want %d", snap.BytesCompleted, len(data))
	}
}

func TestDownloadRecoversFromTransientStatus(t *testing.T) {
	data := testData(300 * 1024)
	var mu sync.Mutex
	failed := make(map[string]bool)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			key := r.Header.Get("Range")
			mu.Lock()
			first := !failed[key]
			failed[key] = true
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 100*1024, 3)
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	got, _ := os.ReadFile(job.OutputPath)
	if !bytes.Equal(got, data) {
		t.Error("bytes differ from a zero-failure run")
	}
}

func TestDownloadResumesTruncatedStream(t *testing.T) {
	data := testData(200 * 1024)
	splitSize := int64(100 * 1024)
	var truncations atomic.Int32
	var mu sync.Mutex
	truncated := make(map[int64]bool)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			start, end := parseRangeHeader(r.Header.Get("Range"))
			mu.Lock()
			first := start%splitSize == 0 && !truncated[start]
			truncated[start] = true
			mu.Unlock()
			if first {
				// Promise the full range, deliver half, drop the connection.
				length := end - start + 1
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
				w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
				w.WriteHeader(http.StatusPartialContent)
				w.Write(data[start : start+length/2])
				truncations.Add(1)
				return
			}
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), splitSize, 2)
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	if truncations.Load() == 0 {
		t.Fatal("server never truncated, test exercised nothing")
	}
	got, _ := os.ReadFile(job.OutputPath)
	if !bytes.Equal(got, data) {
		t.Error("resumed segments reassembled incorrectly")
	}
}

func TestDownloadFailsOnNonRetriableStatus(t *testing.T) {
	data := testData(300 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if start, _ := parseRangeHeader(r.Header.Get("Range")); start >= 200*1024 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 100*1024, 3)
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	if len(result.SegmentErrors) == 0 {
		t.Fatal("failed result carries no segment errors")
	}
	var fe *FetchError
	if !errors.As(result.SegmentErrors[0], &fe) || fe.Transient {
		t.Errorf("error %v is not a non-retriable FetchError", result.SegmentErrors[0])
	}
	if _, err := os.Stat(job.OutputPath); !os.IsNotExist(err) {
		t.Error("output file exists even though the job failed")
	}
	if _, err := os.Stat(job.OutputPath + utils.ManifestSuffix); err != nil {
		t.Error("manifest missing, resume impossible after failure")
	}
}

func TestDownloadFailsAfterExhaustedRetries(t *testing.T) {
	data := testData(100 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 50*1024, 2)
	d := testDownloader()
	d.MaxAttempts = 2
	result, err := d.Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
}

func TestDownloadWorkerCapAtSegmentCount(t *testing.T) {
	data := testData(300 * 1024)
	var active, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			current := active.Add(1)
			defer active.Add(-1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 100*1024, 5)
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("%d concurrent fetches for 3 segments, want at most 3", got)
	}
}

func TestDownloadCancelKeepsResumeState(t *testing.T) {
	data := testData(1 << 20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			serveRange(w, r, data)
			return
		}
		start, end := parseRangeHeader(r.Header.Get("Range"))
		if end < 0 {
			end = int64(len(data)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		flusher := w.(http.Flusher)
		for off := start; off <= end; off += 16 * 1024 {
			chunkEnd := off + 16*1024
			if chunkEnd > end+1 {
				chunkEnd = end + 1
			}
			if _, err := w.Write(data[off:chunkEnd]); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 256*1024, 2)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	result, err := testDownloader().Download(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCancelled {
		t.Fatalf("state = %s, want cancelled", result.State)
	}
	if _, err := os.Stat(job.OutputPath + utils.ManifestSuffix); err != nil {
		t.Fatal("manifest missing after cancellation")
	}

	// Same parameters, healthy run: only the remaining work happens.
	result, err = testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("resume state = %s, want completed", result.State)
	}
	got, _ := os.ReadFile(job.OutputPath)
	if !bytes.Equal(got, data) {
		t.Error("resumed download differs from source data")
	}
}

func TestDownloadResumeSkipsDoneSegments(t *testing.T) {
	data := testData(300 * 1024)
	splitSize := int64(100 * 1024)
	var mu sync.Mutex
	var starts []int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			start, _ := parseRangeHeader(r.Header.Get("Range"))
			mu.Lock()
			starts = append(starts, start)
			mu.Unlock()
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), splitSize, 3)

	// Simulate an interrupted earlier session: segment 0 already on disk.
	partial := make([]byte, len(data))
	copy(partial[:splitSize], data[:splitSize])
	if err := os.WriteFile(job.OutputPath+utils.PartialSuffix, partial, 0644); err != nil {
		t.Fatal(err)
	}
	planned, _ := Plan(job.TotalSize, job.SplitSize)
	planned[0].State = utils.SegmentDone
	planned[0].Written = planned[0].Size()
	if err := saveManifest(job.OutputPath+utils.ManifestSuffix, buildManifest(job, job.TotalSize, planned)); err != nil {
		t.Fatal(err)
	}

	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("server saw %d range requests, want 2 (segment 0 was done): %v", len(starts), starts)
	}
	for _, start := range starts {
		if start == 0 {
			t.Error("previously done segment 0 was re-fetched")
		}
	}
	got, _ := os.ReadFile(job.OutputPath)
	if !bytes.Equal(got, data) {
		t.Error("resumed file differs from source data")
	}
}

func TestDownloadUnknownSizeStreams(t *testing.T) {
	data := testData(150 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// No range support at all.
		w.Write(data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, 0, 64*1024, 4)
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	got, _ := os.ReadFile(job.OutputPath)
	if !bytes.Equal(got, data) {
		t.Error("streamed file differs from source data")
	}
}

func TestDownloadUnknownSizeDiscardsStalePartial(t *testing.T) {
	data := testData(50 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write(data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, 0, 64*1024, 2)
	// Leftover partial from an abandoned session with different parameters;
	// its manifest is gone, so nothing about its content can be trusted.
	stale := bytes.Repeat([]byte{0xAB}, 100*1024)
	if err := os.WriteFile(job.OutputPath+utils.PartialSuffix, stale, 0644); err != nil {
		t.Fatal(err)
	}
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	got, err := os.ReadFile(job.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(data) {
		t.Fatalf("output is %d bytes, want %d", len(got), len(data))
	}
	if !bytes.Equal(got, data) {
		t.Error("streamed file differs from source data")
	}
}

func TestDownloadSendsJobHeaders(t *testing.T) {
	data := testData(100 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("X-Api-Key") != "sesame" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		serveRange(w, r, data)
	}))
	defer server.Close()

	job := testJob(t, server.URL, int64(len(data)), 50*1024, 2)
	job.Headers = map[string]string{"X-Api-Key": "sesame"}
	result, err := testDownloader().Download(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != utils.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	got, _ := os.ReadFile(job.OutputPath)
	if !bytes.Equal(got, data) {
		t.Error("downloaded file differs from source data")
	}
}

func TestDownloadRejectsInvalidConfiguration(t *testing.T) {
	job := testJob(t, "http://127.0.0.1:1/file", 100, 0, 4)
	if _, err := testDownloader().Download(context.Background(), job); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestProbe(t *testing.T) {
	data := testData(4096)
	client := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second})

	headServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, data)
	}))
	defer headServer.Close()
	size, rangeable, err := Probe(context.Background(), client, headServer.URL)
	if err != nil || size != int64(len(data)) || !rangeable {
		t.Errorf("HEAD probe = (%d, %v, %v), want (%d, true, nil)", size, rangeable, err, len(data))
	}

	noHeadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		serveRange(w, r, data)
	}))
	defer noHeadServer.Close()
	size, rangeable, err = Probe(context.Background(), client, noHeadServer.URL)
	if err != nil || size != int64(len(data)) || !rangeable {
		t.Errorf("range probe = (%d, %v, %v), want (%d, true, nil)", size, rangeable, err, len(data))
	}

	plainServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer plainServer.Close()
	size, rangeable, err = Probe(context.Background(), client, plainServer.URL)
	if !errors.Is(err, utils.ErrRangeRequestsNotSupported) || size != int64(len(data)) || rangeable {
		t.Errorf("plain probe = (%d, %v, %v), want (%d, false, ErrRangeRequestsNotSupported)", size, rangeable, err, len(data))
	}
}
