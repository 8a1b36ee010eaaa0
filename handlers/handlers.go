package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"
	"periodontal-analyzer/service"
	"periodontal-analyzer/summary"
	"periodontal-analyzer/version"
	ws "periodontal-analyzer/websocket"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

// Handlers contains the HTTP handlers of the analyzer
type Handlers struct {
	svc            *service.Service
	maxUploadBytes int64
}

// NewHandlers creates handlers over svc. Batch uploads larger than
// maxUploadMB are rejected.
func NewHandlers(svc *service.Service, maxUploadMB int) *Handlers {
	return &Handlers{
		svc:            svc,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// ClassifyRequest is the body of a single-image classification.
type ClassifyRequest struct {
	PhotoDataURI string   `json:"photoDataUri" binding:"required"`
	FileName     string   `json:"fileName"`
	Symptoms     []string `json:"symptoms"`
}

// SummaryRequest is the body of a summary request.
type SummaryRequest struct {
	Results []models.SummaryEntry `json:"results"`
}

// BatchResponse acknowledges an accepted batch.
type BatchResponse struct {
	BatchID    string                  `json:"batchId"`
	Generation uint64                  `json:"generation"`
	Items      []models.ImageItemState `json:"items"`
	Skipped    []string                `json:"skipped"`
}

// HealthCheck returns service health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": version.ServiceName,
	})
}

// Version returns build information
func (h *Handlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

// Symptoms lists the symptoms a caller may attach to a classification
func (h *Handlers) Symptoms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symptoms": models.KnownSymptoms})
}

// Classify classifies one image supplied as a data URI
func (h *Handlers) Classify(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Errorf("Failed to bind classify request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	result, err := h.svc.ProcessImage(c.Request.Context(), req.PhotoDataURI, req.FileName, req.Symptoms)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Summary summarizes the supplied classification results
func (h *Handlers) Summary(c *gin.Context) {
	var req SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Errorf("Failed to bind summary request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	result, err := h.svc.GetSummary(c.Request.Context(), req.Results)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateBatch accepts a multipart upload and starts processing it in the
// background. Files that are not images are skipped.
func (h *Handlers) CreateBatch(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload is too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload is too large"})
			return
		}
		log.Errorf("Failed to parse batch upload: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	}

	headers := form.File["files"]
	lastModified := form.Value["lastModified"]
	now := time.Now()

	var (
		files   []models.UploadedImage
		skipped = []string{}
	)
	for i, fh := range headers {
		contentType := fh.Header.Get("Content-Type")
		if !imaging.IsAccepted(fh.Filename, contentType) {
			skipped = append(skipped, fh.Filename)
			continue
		}
		data, err := readUpload(fh)
		if err != nil {
			log.Errorf("Failed to read upload %s: %v", fh.Filename, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read " + fh.Filename})
			return
		}
		files = append(files, models.NewUploadedImage(fh.Filename, contentType, modTime(lastModified, i, now), data))
	}

	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image files provided", "skipped": skipped})
		return
	}

	run, err := h.svc.StartBatch(files, form.Value["symptoms"])
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, BatchResponse{
		BatchID:    run.ID,
		Generation: run.Generation,
		Items:      run.Items,
		Skipped:    skipped,
	})
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// modTime reads the i-th lastModified value in Unix milliseconds.
func modTime(values []string, i int, fallback time.Time) time.Time {
	if i >= len(values) {
		return fallback
	}
	ms, err := strconv.ParseInt(values[i], 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms)
}

// ListItems returns every tracked item and the last summary, if any.
// Embedded images are left out unless include=dataUri is given.
func (h *Handlers) ListItems(c *gin.Context) {
	items := h.svc.Items()
	if c.Query("include") != "dataUri" {
		for i := range items {
			items[i] = items[i].WithoutDataURI()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"items":   items,
		"summary": h.svc.LastSummary(),
	})
}

// ClearItems discards all items
func (h *Handlers) ClearItems(c *gin.Context) {
	generation := h.svc.ClearItems()
	c.JSON(http.StatusOK, gin.H{"generation": generation})
}

// SummarizeItems summarizes every done item
func (h *Handlers) SummarizeItems(c *gin.Context) {
	result, err := h.svc.SummarizeItems(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	var conversion *imaging.ConversionError
	switch {
	case errors.As(err, &conversion):
		c.JSON(http.StatusBadRequest, gin.H{"error": conversion.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, summary.ErrNoResults):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, llm.ErrInvalidModelOutput):
		log.WithError(err).Warn("Model returned invalid output")
		c.JSON(http.StatusBadGateway, gin.H{"error": llm.ErrInvalidModelOutput.Error()})
	default:
		log.WithError(err).Error("Model request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamItems upgrades to a websocket carrying item updates
func (h *Handlers) StreamItems(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("Failed to upgrade connection to WebSocket: %v", err)
		return
	}

	client := ws.NewClient(h.svc.Hub(), conn)
	if !h.svc.Hub().Attach(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	log.Info("Item stream connection established")
}
