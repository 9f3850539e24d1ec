package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cozy-creator/classifier-server/internal/app"
	"github.com/cozy-creator/classifier-server/internal/classifier/classifiertest"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/db/dbtest"
	"github.com/cozy-creator/classifier-server/internal/server"
	"github.com/cozy-creator/classifier-server/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

var vegetables = []string{"broccoli", "carrot", "tomato"}

type testEnv struct {
	app     *app.App
	handler http.Handler
	opener  *classifiertest.Opener
	fake    *classifiertest.Fake
}

func newTestEnv(t *testing.T, probs []float32, withModel bool) *testEnv {
	t.Helper()

	modelCfg := classifiertest.WriteArtifacts(t, vegetables, 32)
	if !withModel {
		os.Remove(modelCfg.Path)
	}

	cfg := &config.Config{
		Host:           "localhost",
		Port:           8000,
		Environment:    config.EnvironmentTest,
		AssetsDir:      t.TempDir(),
		PublicURL:      "http://localhost:8000",
		APIName:        config.DefaultAPIName,
		APIVersion:     config.DefaultAPIVersion,
		MaxUploadSize:  config.DefaultMaxUploadSize,
		UploadWorkers:  2,
		FilesystemType: config.FilesystemLocal,
		MQ:             &config.MQConfig{BufferSize: 100},
		Model:          modelCfg,
	}

	fake := &classifiertest.Fake{Probabilities: probs}
	opener := &classifiertest.Opener{C: fake}

	a, err := app.NewApp(cfg,
		app.WithDB(dbtest.Open(t)),
		app.WithMQ(),
		app.WithFileUploader(),
		app.WithClassifier(opener.Open),
		app.WithEventBroadcaster(),
	)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(a.Close)

	srv, err := server.NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv.SetupRoutes(a)

	return &testEnv{app: a, handler: srv.Handler(), opener: opener, fake: fake}
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.RGBA{R: 240, G: 120, B: uint8(y), A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(content)
	} else {
		w.WriteField("note", "no image here")
	}
	w.Close()

	return &buf, w.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) predict(t *testing.T, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := multipartBody(t, "image", "veg.jpg", content)
	req := httptest.NewRequest(http.MethodPost, "/predict/", body)
	req.Header.Set("Content-Type", contentType)
	return e.do(t, req)
}

func (e *testEnv) countPredictions(t *testing.T) int {
	t.Helper()

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/predictions/", nil))
	var list []types.PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v (%s)", err, rec.Body.String())
	}
	return len(list)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestPredictKnownImage(t *testing.T) {
	env := newTestEnv(t, []float32{0.02, 0.93, 0.05}, true)

	rec := env.predict(t, jpegBytes(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created types.PredictionResponse
	decodeJSON(t, rec, &created)
	if created.PredictedClass != "carrot" || math.Abs(created.Confidence-0.93) > 1e-6 {
		t.Errorf("unexpected prediction %+v", created)
	}
	if len(created.AllPredictions) != len(vegetables) {
		t.Errorf("all_predictions = %v", created.AllPredictions)
	}
	if !strings.HasPrefix(created.Image, "http://localhost:8000/file/predictions/") || !strings.HasSuffix(created.Image, ".jpg") {
		t.Errorf("image = %q", created.Image)
	}
	if created.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/predictions/%d/", created.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var fetched types.PredictionResponse
	decodeJSON(t, rec, &fetched)
	if fetched.ID != created.ID || fetched.PredictedClass != "carrot" || fetched.Image != created.Image {
		t.Errorf("fetched %+v, created %+v", fetched, created)
	}

	path := strings.TrimPrefix(created.Image, "http://localhost:8000")
	rec = env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Errorf("stored image not served: %d", rec.Code)
	}
}

func TestPredictModelUnavailable(t *testing.T) {
	env := newTestEnv(t, []float32{0.2, 0.5, 0.3}, false)

	for _, content := range [][]byte{jpegBytes(t), []byte("not an image")} {
		rec := env.predict(t, content)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}

		var body types.ErrorResponse
		decodeJSON(t, rec, &body)
		if body.Error != "Model not loaded. Check server logs for details." {
			t.Errorf("error = %q", body.Error)
		}
	}

	if n := env.countPredictions(t); n != 0 {
		t.Errorf("%d predictions created while model unavailable", n)
	}
}

func TestPredictValidationErrors(t *testing.T) {
	env := newTestEnv(t, []float32{0.2, 0.5, 0.3}, true)

	oversized := append(jpegBytes(t), bytes.Repeat([]byte{0}, config.DefaultMaxUploadSize)...)

	tests := []struct {
		name    string
		field   string
		content []byte
		want    string
	}{
		{"missing file", "", nil, "No file was submitted."},
		{"not an image", "image", []byte("plain text, definitely not pixels"), "Upload a valid image. The file you uploaded was either not an image or a corrupted image."},
		{"too large", "image", oversized, "Image size must be less than 5MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.field, "upload.jpg", tt.content)
			req := httptest.NewRequest(http.MethodPost, "/predict/", body)
			req.Header.Set("Content-Type", contentType)

			rec := env.do(t, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}

			var fields map[string][]string
			decodeJSON(t, rec, &fields)
			if got := fields["image"]; len(got) != 1 || got[0] != tt.want {
				t.Errorf("image errors = %v, want %q", got, tt.want)
			}
		})
	}

	if n := env.countPredictions(t); n != 0 {
		t.Errorf("%d predictions created by invalid uploads", n)
	}
}

func TestListPredictionsNewestFirst(t *testing.T) {
	env := newTestEnv(t, []float32{0.1, 0.2, 0.7}, true)
	content := jpegBytes(t)

	for i := 0; i < 53; i++ {
		if rec := env.predict(t, content); rec.Code != http.StatusOK {
			t.Fatalf("prediction %d: status %d", i, rec.Code)
		}
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/predictions/", nil))
	var list []types.PredictionResponse
	decodeJSON(t, rec, &list)

	if len(list) != 50 {
		t.Fatalf("got %d predictions, want 50", len(list))
	}
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		if cur.CreatedAt.After(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID > prev.ID) {
			t.Fatalf("list not newest first at %d: %v/%d then %v/%d", i, prev.CreatedAt, prev.ID, cur.CreatedAt, cur.ID)
		}
	}
	if list[0].ID != 53 {
		t.Errorf("newest id = %d, want 53", list[0].ID)
	}
}

func TestGetPredictionNotFound(t *testing.T) {
	env := newTestEnv(t, []float32{0.1, 0.2, 0.7}, true)

	for _, path := range []string{"/predictions/999/", "/predictions/abc/"} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}

		var body types.ErrorResponse
		decodeJSON(t, rec, &body)
		if body.Error != "Prediction not found" {
			t.Errorf("%s: error = %q", path, body.Error)
		}
	}

	if env.opener.Calls() != 0 {
		t.Error("lookups should not load the model")
	}
}

func TestInfo(t *testing.T) {
	env := newTestEnv(t, []float32{0.1, 0.2, 0.7}, true)

	var info types.InfoResponse
	decodeJSON(t, env.do(t, httptest.NewRequest(http.MethodGet, "/info/", nil)), &info)

	if info.APIName != "Vegetable Classifier API" || info.Version != "1.0" {
		t.Errorf("unexpected identity %+v", info)
	}
	if info.ModelLoaded || info.NumClasses != 0 || info.Classes == nil {
		t.Errorf("info before any prediction = %+v", info)
	}
	if env.opener.Calls() != 0 {
		t.Fatal("info must not load the model")
	}

	if rec := env.predict(t, jpegBytes(t)); rec.Code != http.StatusOK {
		t.Fatalf("predict status = %d", rec.Code)
	}

	decodeJSON(t, env.do(t, httptest.NewRequest(http.MethodGet, "/info/", nil)), &info)
	if !info.ModelLoaded || info.NumClasses != 3 || strings.Join(info.Classes, ",") != "broccoli,carrot,tomato" {
		t.Errorf("info after load = %+v", info)
	}
}

func TestConcurrentFirstRequestsLoadOnce(t *testing.T) {
	env := newTestEnv(t, []float32{0.1, 0.8, 0.1}, true)
	content := jpegBytes(t)

	var wg sync.WaitGroup
	codes := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- env.predict(t, content).Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK && code != http.StatusServiceUnavailable {
			t.Errorf("unexpected status %d", code)
		}
	}
	if env.opener.Calls() != 1 {
		t.Errorf("model loaded %d times, want 1", env.opener.Calls())
	}
}

func TestMsgpackResponse(t *testing.T) {
	env := newTestEnv(t, []float32{0.02, 0.93, 0.05}, true)

	body, contentType := multipartBody(t, "image", "veg.jpg", jpegBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/predict/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", types.MsgpackContentType)

	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != types.MsgpackContentType {
		t.Fatalf("content type = %q", ct)
	}

	var created types.PredictionResponse
	if err := msgpack.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.PredictedClass != "carrot" {
		t.Errorf("unexpected prediction %+v", created)
	}
}

func TestFormatQueryOverridesAccept(t *testing.T) {
	env := newTestEnv(t, []float32{0.1, 0.2, 0.7}, true)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/info/?format=msgpack", nil))
	if ct := rec.Header().Get("Content-Type"); ct != types.MsgpackContentType {
		t.Fatalf("format=msgpack content type = %q", ct)
	}
	var info types.InfoResponse
	if err := msgpack.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.APIName != "Vegetable Classifier API" {
		t.Errorf("unexpected info %+v", info)
	}

	req := httptest.NewRequest(http.MethodGet, "/info/?format=json", nil)
	req.Header.Set("Accept", types.MsgpackContentType)
	rec = env.do(t, req)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("format=json content type = %q", ct)
	}

	// Unknown values fall back to the Accept header.
	req = httptest.NewRequest(http.MethodGet, "/info/?format=xml", nil)
	req.Header.Set("Accept", types.MsgpackContentType)
	rec = env.do(t, req)
	if ct := rec.Header().Get("Content-Type"); ct != types.MsgpackContentType {
		t.Fatalf("format=xml content type = %q", ct)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, true)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStreamPredictions(t *testing.T) {
	env := newTestEnv(t, []float32{0.02, 0.93, 0.05}, true)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/predictions/stream/", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}

	// The subscription exists once headers have been flushed.
	if rec := env.predict(t, jpegBytes(t)); rec.Code != http.StatusOK {
		t.Fatalf("predict status = %d", rec.Code)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event types.PredictionResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatal(err)
		}
		if event.PredictedClass != "carrot" {
			t.Errorf("unexpected event %+v", event)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}
