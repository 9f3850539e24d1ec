package prediction

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/classifier/classifiertest"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/db/dbtest"
	"github.com/cozy-creator/classifier-server/internal/db/models"
	"github.com/cozy-creator/classifier-server/internal/db/repository"
	"github.com/cozy-creator/classifier-server/internal/mq"
	"github.com/cozy-creator/classifier-server/internal/services/filestorage"
	"github.com/cozy-creator/classifier-server/internal/services/fileuploader"
	"github.com/cozy-creator/classifier-server/internal/types"
)

var vegetables = []string{"broccoli", "carrot", "tomato"}

type fixture struct {
	service *Service
	fake    *classifiertest.Fake
	repo    repository.IPredictionRepository
	queue   *mq.InMemoryMQ
}

func newFixture(t *testing.T, holder ModelProvider, fake *classifiertest.Fake) *fixture {
	t.Helper()

	storage, err := filestorage.NewLocalFileStorage(&config.Config{
		FilesystemType: config.FilesystemLocal,
		AssetsDir:      t.TempDir(),
		PublicURL:      "http://localhost:8000",
	})
	if err != nil {
		t.Fatal(err)
	}
	uploader := fileuploader.NewFileUploader(storage, 2)
	t.Cleanup(uploader.Stop)

	queue, _ := mq.NewInMemoryMQ(10)
	repo := repository.NewPredictionRepository(dbtest.Open(t))

	return &fixture{
		service: NewService(Options{
			Models:        holder,
			Predictions:   repo,
			Uploader:      uploader,
			MQ:            queue,
			MaxUploadSize: config.DefaultMaxUploadSize,
		}),
		fake:  fake,
		repo:  repo,
		queue: queue,
	}
}

func newLoadedFixture(t *testing.T, probs []float32) *fixture {
	fake := &classifiertest.Fake{Probabilities: probs}
	return newFixture(t, classifiertest.NewHolder(t, vegetables, 32, fake), fake)
}

func pngUpload(t *testing.T) *Upload {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 230, G: uint8(x * 2), B: 20, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return &Upload{Filename: "carrot.png", Size: int64(buf.Len()), Reader: &buf}
}

// hugePNG is a valid PNG header claiming 12000x12000 pixels.
func hugePNG(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatal(err)
	}
	content := buf.Bytes()
	binary.BigEndian.PutUint32(content[16:20], 12000)
	binary.BigEndian.PutUint32(content[20:24], 12000)
	binary.BigEndian.PutUint32(content[29:33], crc32.ChecksumIEEE(content[12:29]))
	return content
}

type failingRepository struct {
	repository.IPredictionRepository
	err error
}

func (r *failingRepository) Create(context.Context, *models.Prediction) (*models.Prediction, error) {
	return nil, r.err
}

func (r *failingRepository) RunInTx(ctx context.Context, fn func(context.Context, repository.IPredictionRepository) error) error {
	return fn(ctx, r)
}

func assertNoRecords(t *testing.T, repo repository.IPredictionRepository) {
	t.Helper()

	records, err := repo.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, found %d", len(records))
	}
}

func TestPredictKnownImage(t *testing.T) {
	f := newLoadedFixture(t, []float32{0.02, 0.93, 0.05})
	ctx := context.Background()

	record, err := f.service.Predict(ctx, pngUpload(t))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if record.PredictedClass != "carrot" {
		t.Errorf("PredictedClass = %q", record.PredictedClass)
	}
	if math.Abs(record.Confidence-0.93) > 1e-6 {
		t.Errorf("Confidence = %v", record.Confidence)
	}
	if record.AllPredictions[record.PredictedClass] != record.Confidence {
		t.Errorf("confidence does not match all_predictions")
	}
	if record.String() != "carrot (93.00%)" {
		t.Errorf("String() = %q", record.String())
	}

	stored, err := f.service.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.PredictedClass != "carrot" || stored.Image != record.Image {
		t.Errorf("stored record %+v does not match %+v", stored, record)
	}

	inputs := f.fake.Inputs()
	if len(inputs) != 1 || !reflect.DeepEqual(inputs[0].Shape, []int64{1, 32, 32, 3}) {
		t.Fatalf("classifier saw %d inputs", len(inputs))
	}

	msg, err := f.queue.Receive(ctx, config.DefaultPredictionsTopic)
	if err != nil {
		t.Fatalf("no event published: %v", err)
	}
	data, _ := f.queue.GetMessageData(msg)
	var event types.PredictionResponse
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatal(err)
	}
	if event.ID != record.ID || event.PredictedClass != "carrot" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestPredictModelUnavailable(t *testing.T) {
	cfg := classifiertest.WriteArtifacts(t, vegetables, 32)
	os.Remove(cfg.Path)
	holder := classifier.NewHolder(cfg, (&classifiertest.Opener{}).Open, nil)
	f := newFixture(t, holder, nil)

	for _, upload := range []*Upload{pngUpload(t), nil} {
		_, err := f.service.Predict(context.Background(), upload)
		if !errors.Is(err, classifier.ErrModelUnavailable) {
			t.Errorf("error = %v, want ErrModelUnavailable", err)
		}
	}
	assertNoRecords(t, f.repo)
}

func TestPredictValidation(t *testing.T) {
	oversized := bytes.Repeat([]byte{0xff}, config.DefaultMaxUploadSize+1)
	huge := hugePNG(t)

	tests := []struct {
		name   string
		upload *Upload
		want   string
	}{
		{"missing", nil, MsgNoFile},
		{"empty", &Upload{Filename: "a.png", Reader: bytes.NewReader(nil)}, MsgInvalidImage},
		{"text", &Upload{Filename: "a.png", Size: 5, Reader: bytes.NewReader([]byte("hello"))}, MsgInvalidImage},
		{"declared too large", &Upload{Filename: "a.png", Size: int64(len(oversized)), Reader: bytes.NewReader(oversized)}, MsgTooLarge},
		{"undeclared too large", &Upload{Filename: "a.png", Reader: bytes.NewReader(oversized)}, MsgTooLarge},
		{"huge dimensions", &Upload{Filename: "a.png", Size: int64(len(huge)), Reader: bytes.NewReader(huge)}, MsgInvalidImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLoadedFixture(t, []float32{0.2, 0.5, 0.3})

			_, err := f.service.Predict(context.Background(), tt.upload)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if got := verr.Fields()[ImageField]; len(got) != 1 || got[0] != tt.want {
				t.Errorf("messages = %v, want %q", got, tt.want)
			}
			assertNoRecords(t, f.repo)
		})
	}
}

func TestPredictInferenceFailure(t *testing.T) {
	f := newLoadedFixture(t, nil)
	f.fake.Err = errors.New("session run failed")

	_, err := f.service.Predict(context.Background(), pngUpload(t))
	if err == nil {
		t.Fatal("expected error")
	}
	var verr *ValidationError
	if errors.As(err, &verr) || errors.Is(err, classifier.ErrModelUnavailable) {
		t.Errorf("inference failure misclassified: %v", err)
	}
	assertNoRecords(t, f.repo)
}

func TestPredictOutputMismatch(t *testing.T) {
	f := newLoadedFixture(t, []float32{0.5, 0.5})

	_, err := f.service.Predict(context.Background(), pngUpload(t))
	if !errors.Is(err, classifier.ErrOutputMismatch) {
		t.Errorf("error = %v, want ErrOutputMismatch", err)
	}
	assertNoRecords(t, f.repo)
}

func TestPredictSaveFailure(t *testing.T) {
	f := newLoadedFixture(t, []float32{0.1, 0.8, 0.1})
	saveErr := errors.New("database is locked")
	f.service.predictions = &failingRepository{IPredictionRepository: f.repo, err: saveErr}

	_, err := f.service.Predict(context.Background(), pngUpload(t))
	if !errors.Is(err, saveErr) {
		t.Fatalf("error = %v, want %v", err, saveErr)
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Errorf("save failure reported as validation error: %v", err)
	}
	assertNoRecords(t, f.repo)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.queue.Receive(ctx, config.DefaultPredictionsTopic); err == nil {
		t.Error("event published for an unsaved prediction")
	}
}

func TestPredictSurvivesFullQueue(t *testing.T) {
	f := newLoadedFixture(t, []float32{0.1, 0.1, 0.8})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Nothing consumes the topic, so the buffer of 10 fills up.
	for i := 0; i < 12; i++ {
		if _, err := f.service.Predict(ctx, pngUpload(t)); err != nil {
			t.Fatalf("prediction %d: %v", i, err)
		}
	}

	records, err := f.service.ListRecent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 12 {
		t.Errorf("got %d records, want 12", len(records))
	}
}
